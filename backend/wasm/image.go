package wasm

import (
	"bytes"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
)

var (
	// wasmMagic is the 4-byte preamble of every wasm binary.
	wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

	// zstdMagic is the zstandard frame magic. Images may be stored
	// compressed; the loader sniffs this and decompresses transparently.
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// maxImageBytes caps the decompressed module size so a malformed or
// hostile compressed image cannot balloon host memory before the module
// is even instantiated.
const maxImageBytes = 256 << 20

// imageDecoder is reused across loads. zstd.Decoder is safe for
// concurrent use in DecodeAll mode.
var imageDecoder *zstd.Decoder

func init() {
	var err error
	imageDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxImageBytes))
	if err != nil {
		panic("wasm: zstd decoder initialization failed: " + err.Error())
	}
}

// DecodeImage turns stored image bytes into raw wasm module bytes.
// Zstd-compressed images are decompressed; everything else must already
// start with the wasm magic.
func DecodeImage(data []byte) ([]byte, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		decoded, err := imageDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("wasm: decompressing image: %w", err)
		}
		data = decoded
	}
	if !bytes.HasPrefix(data, wasmMagic) {
		return nil, fmt.Errorf("wasm: image does not start with the wasm magic")
	}
	return data, nil
}

// LoadImage reads and decodes the module image at path.
func LoadImage(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wasm: reading image: %w", err)
	}
	return DecodeImage(data)
}
