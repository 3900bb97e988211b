package wire

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// maxFrameSize bounds a single decoded message
const maxFrameSize = 64 * 1024 * 1024

// Codec frames Struct messages on a byte stream
type Codec interface {
	Name() string
	NewEncoder(w io.Writer) Encoder
	NewDecoder(r io.Reader) Decoder
}

// Encoder writes one message per call
type Encoder interface {
	Encode(msg *structpb.Struct) error
}

// Decoder reads one message per call
type Decoder interface {
	Decode(msg *structpb.Struct) error
}

// Proto is the default codec: varint length-delimited protobuf frames
var Proto Codec = protoCodec{}

// JSON writes one protojson object per line
var JSON Codec = jsonCodec{}

// ByName returns the codec registered under name
func ByName(name string) (Codec, error) {
	switch name {
	case "", Proto.Name():
		return Proto, nil
	case JSON.Name():
		return JSON, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type protoCodec struct{}

func (protoCodec) Name() string { return "proto" }

func (protoCodec) NewEncoder(w io.Writer) Encoder {
	return &protoEncoder{w: w}
}

func (protoCodec) NewDecoder(r io.Reader) Decoder {
	return &protoDecoder{r: bufio.NewReader(r)}
}

type protoEncoder struct {
	mu sync.Mutex
	w  io.Writer
}

func (e *protoEncoder) Encode(msg *structpb.Struct) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := protodelim.MarshalTo(e.w, msg)
	return err
}

type protoDecoder struct {
	r *bufio.Reader
}

func (d *protoDecoder) Decode(msg *structpb.Struct) error {
	opts := protodelim.UnmarshalOptions{MaxSize: maxFrameSize}
	return opts.UnmarshalFrom(d.r, msg)
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) NewEncoder(w io.Writer) Encoder {
	return &jsonEncoder{w: w}
}

func (jsonCodec) NewDecoder(r io.Reader) Decoder {
	return &jsonDecoder{r: bufio.NewReaderSize(r, 64*1024)}
}

type jsonEncoder struct {
	mu sync.Mutex
	w  io.Writer
}

func (e *jsonEncoder) Encode(msg *structpb.Struct) error {
	data, err := protojson.Marshal(msg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(append(data, '\n'))
	return err
}

type jsonDecoder struct {
	r *bufio.Reader
}

func (d *jsonDecoder) Decode(msg *structpb.Struct) error {
	for {
		line, err := d.r.ReadBytes('\n')
		if len(line) > maxFrameSize {
			return fmt.Errorf("%w: line exceeds %d bytes", ErrMalformed, maxFrameSize)
		}
		if len(line) > 0 && !isBlank(line) {
			return protojson.Unmarshal(line, msg)
		}
		if err != nil {
			return err
		}
	}
}

func isBlank(line []byte) bool {
	for _, b := range line {
		if b != ' ' && b != '\t' && b != '\r' && b != '\n' {
			return false
		}
	}
	return true
}
