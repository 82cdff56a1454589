package cache

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/databloom/ollama-kv-cache-tiering/config"
)

var (
	// ErrNoData means the payload a transition expected is not present.
	ErrNoData = errors.New("block has no data to compress")
	// ErrInvalidQuantization means the source format cannot be reduced
	// to the requested one.
	ErrInvalidQuantization = errors.New("invalid quantization")
	// ErrStreamCompression wraps zstd encode/decode failures.
	ErrStreamCompression = errors.New("stream compression failed")
)

// Compressor applies the format transitions between tiers.
//
// The canonical pipeline is FP16 (GPU) -> Q8 (RAM) -> Q4 -> Q4+zstd
// (disk); Decompress reverses it step by step. The compressor is
// stateless apart from the shared zstd coders and is safe for
// concurrent use.
type Compressor struct {
	cfg     config.CompressionConfig
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressor creates a compressor. The zstd level comes from the
// configuration; levels outside zstd's native range are clamped by the
// encoder.
func NewCompressor(cfg config.CompressionConfig) (*Compressor, error) {
	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(cfg.StreamLevel)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamCompression, err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamCompression, err)
	}
	return &Compressor{cfg: cfg, encoder: encoder, decoder: decoder}, nil
}

// Compress transforms payload bytes for storage in the target tier and
// returns the transformed bytes with their resulting format.
//
// Transitions other than GPU->RAM and RAM->disk are identity copies;
// disk->NFS in particular moves already-compressed bytes unchanged.
func (c *Compressor) Compress(data []byte, from, to Tier, format CacheFormat) ([]byte, CacheFormat, error) {
	if data == nil {
		return nil, format, ErrNoData
	}

	switch {
	case from == TierGpu && to == TierRam:
		if !c.cfg.GpuToRamQuantize {
			return cloneBytes(data), format, nil
		}
		if format != FormatFp16 {
			return nil, format, fmt.Errorf("%w: %s to q8", ErrInvalidQuantization, format)
		}
		return quantizeFp16ToQ8(data), FormatQ8, nil

	case from == TierRam && (to == TierLocalDisk || to == TierNfs):
		out := data
		outFormat := format
		if c.cfg.RamToDiskQuantize {
			if format != FormatQ8 {
				return nil, format, fmt.Errorf("%w: %s to q4", ErrInvalidQuantization, format)
			}
			out = quantizeQ8ToQ4(out)
			outFormat = FormatQ4
		}
		if c.cfg.DiskStreamCompression {
			out = c.streamCompress(out)
			if outFormat == FormatQ4 {
				outFormat = FormatQ4Zstd
			}
		} else if outFormat == format {
			out = cloneBytes(out)
		}
		return out, outFormat, nil

	default:
		return cloneBytes(data), format, nil
	}
}

// Decompress lifts payload bytes from the given format back to FP16,
// reversing the pipeline one stage at a time. The returned length
// equals the original uncompressed FP16 length; quantization is lossy,
// so bit-equality with the original data is not guaranteed.
func (c *Compressor) Decompress(data []byte, format CacheFormat) ([]byte, error) {
	if data == nil {
		return nil, ErrNoData
	}

	switch format {
	case FormatQ4Zstd:
		decompressed, err := c.streamDecompress(data)
		if err != nil {
			return nil, err
		}
		return dequantizeQ8ToFp16(dequantizeQ4ToQ8(decompressed)), nil
	case FormatQ4:
		return dequantizeQ8ToFp16(dequantizeQ4ToQ8(data)), nil
	case FormatQ8:
		return dequantizeQ8ToFp16(data), nil
	case FormatFp16:
		return cloneBytes(data), nil
	default:
		return nil, fmt.Errorf("%w: unknown format %d", ErrInvalidQuantization, format)
	}
}

// DecompressForTier lifts payload bytes as far up the pipeline as the
// target tier requires: promotion to GPU restores FP16, promotion to
// RAM restores Q8 (or leaves FP16 alone when quantization was off),
// and promotion to local disk moves the on-disk bytes unchanged.
func (c *Compressor) DecompressForTier(data []byte, format CacheFormat, target Tier) ([]byte, CacheFormat, error) {
	if data == nil {
		return nil, format, ErrNoData
	}

	switch target {
	case TierGpu:
		out, err := c.Decompress(data, format)
		if err != nil {
			return nil, format, err
		}
		return out, FormatFp16, nil

	case TierRam:
		switch format {
		case FormatQ4Zstd:
			decompressed, err := c.streamDecompress(data)
			if err != nil {
				return nil, format, err
			}
			return dequantizeQ4ToQ8(decompressed), FormatQ8, nil
		case FormatQ4:
			return dequantizeQ4ToQ8(data), FormatQ8, nil
		default:
			return cloneBytes(data), format, nil
		}

	default:
		return cloneBytes(data), format, nil
	}
}

// streamCompress applies the zstd stage at the configured level.
func (c *Compressor) streamCompress(data []byte) []byte {
	return c.encoder.EncodeAll(data, nil)
}

// streamDecompress undoes the zstd stage.
func (c *Compressor) streamDecompress(data []byte) ([]byte, error) {
	out, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamCompression, err)
	}
	return out, nil
}

// quantizeFp16ToQ8 maps each FP16 element (2 bytes) to one Q8 byte by
// keeping the first byte of the pair. No per-block scale is computed or
// stored; the byte-size contract (n/2) is what the pager accounts with.
func quantizeFp16ToQ8(data []byte) []byte {
	out := make([]byte, 0, (len(data)+1)/2)
	for i := 0; i < len(data); i += 2 {
		out = append(out, data[i])
	}
	return out
}

// quantizeQ8ToQ4 packs two Q8 values into one byte, one nibble each.
func quantizeQ8ToQ4(data []byte) []byte {
	out := make([]byte, 0, (len(data)+1)/2)
	for i := 0; i < len(data); i += 2 {
		hi := data[i] >> 4
		lo := byte(0)
		if i+1 < len(data) {
			lo = data[i+1] >> 4
		}
		out = append(out, hi<<4|lo)
	}
	return out
}

// dequantizeQ4ToQ8 unpacks two nibbles per byte back into two Q8 bytes.
func dequantizeQ4ToQ8(data []byte) []byte {
	out := make([]byte, 0, len(data)*2)
	for _, b := range data {
		out = append(out, (b>>4)<<4, (b&0x0F)<<4)
	}
	return out
}

// dequantizeQ8ToFp16 expands each Q8 byte to a 2-byte FP16 slot.
func dequantizeQ8ToFp16(data []byte) []byte {
	out := make([]byte, 0, len(data)*2)
	for _, b := range data {
		out = append(out, b, 0)
	}
	return out
}

func cloneBytes(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	return out
}
