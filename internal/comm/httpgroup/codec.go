package httpgroup

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/born-ml/tensorparallel/internal/tensor"
)

// Precision selects how tensor payloads travel on the wire.
type Precision uint8

const (
	// Float32 ships tensors losslessly.
	Float32 Precision = iota
	// Float16 halves the payload at the cost of precision.
	Float16
)

func (p Precision) String() string {
	if p == Float16 {
		return "float16"
	}
	return "float32"
}

type opCode uint64

const (
	opJoin opCode = iota + 1
	opBroadcast
	opAllReduceSum
	opAllGather
	opLeave
)

func (o opCode) String() string {
	switch o {
	case opJoin:
		return "join"
	case opBroadcast:
		return "broadcast"
	case opAllReduceSum:
		return "all_reduce(sum)"
	case opAllGather:
		return "all_gather"
	case opLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// frame is the single message type exchanged in both directions.
type frame struct {
	Run     string
	Rank    int
	World   int
	Seq     uint64
	Op      opCode
	Root    int
	Tensors []*tensor.Tensor
	Error   string
}

// Field numbers of frame.
const (
	fRun protowire.Number = iota + 1
	fRank
	fWorld
	fSeq
	fOp
	fRoot
	fTensor
	fError
)

// Field numbers of an encoded tensor.
const (
	tDims protowire.Number = iota + 1
	tF32
	tF16
)

func encodeFrame(f *frame, prec Precision) []byte {
	var b []byte
	if f.Run != "" {
		b = protowire.AppendTag(b, fRun, protowire.BytesType)
		b = protowire.AppendString(b, f.Run)
	}
	b = appendVarint(b, fRank, uint64(f.Rank))
	b = appendVarint(b, fWorld, uint64(f.World))
	b = appendVarint(b, fSeq, f.Seq)
	b = appendVarint(b, fOp, uint64(f.Op))
	b = appendVarint(b, fRoot, uint64(f.Root))
	for _, t := range f.Tensors {
		b = protowire.AppendTag(b, fTensor, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeTensor(t, prec))
	}
	if f.Error != "" {
		b = protowire.AppendTag(b, fError, protowire.BytesType)
		b = protowire.AppendString(b, f.Error)
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func encodeTensor(t *tensor.Tensor, prec Precision) []byte {
	var b []byte
	var dims []byte
	for _, d := range t.Shape() {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	b = protowire.AppendTag(b, tDims, protowire.BytesType)
	b = protowire.AppendBytes(b, dims)

	data := t.Data()
	switch prec {
	case Float16:
		payload := make([]byte, 2*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint16(payload[2*i:], float16.Fromfloat32(v).Bits())
		}
		b = protowire.AppendTag(b, tF16, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	default:
		payload := make([]byte, 4*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint32(payload[4*i:], math.Float32bits(v))
		}
		b = protowire.AppendTag(b, tF32, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	}
	return b
}

func decodeFrame(b []byte) (*frame, error) {
	f := &frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "frame tag")
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType && num >= fRank && num <= fRoot:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "frame field %d", num)
			}
			b = b[n:]
			switch num {
			case fRank:
				f.Rank = int(v)
			case fWorld:
				f.World = int(v)
			case fSeq:
				f.Seq = v
			case fOp:
				f.Op = opCode(v)
			case fRoot:
				f.Root = int(v)
			}
		case typ == protowire.BytesType && (num == fRun || num == fTensor || num == fError):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "frame field %d", num)
			}
			b = b[n:]
			switch num {
			case fRun:
				f.Run = string(v)
			case fError:
				f.Error = string(v)
			case fTensor:
				t, err := decodeTensor(v)
				if err != nil {
					return nil, errors.Wrapf(err, "tensor %d", len(f.Tensors))
				}
				f.Tensors = append(f.Tensors, t)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "frame field %d", num)
			}
			b = b[n:]
		}
	}
	return f, nil
}

func decodeTensor(b []byte) (*tensor.Tensor, error) {
	var shape tensor.Shape
	var data []float32
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case tDims:
			shape = tensor.Shape{}
			for len(v) > 0 {
				d, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return nil, protowire.ParseError(n)
				}
				shape = append(shape, int(d))
				v = v[n:]
			}
		case tF32:
			if len(v)%4 != 0 {
				return nil, errors.Errorf("float32 payload of %d bytes", len(v))
			}
			data = make([]float32, len(v)/4)
			for i := range data {
				data[i] = math.Float32frombits(binary.LittleEndian.Uint32(v[4*i:]))
			}
		case tF16:
			if len(v)%2 != 0 {
				return nil, errors.Errorf("float16 payload of %d bytes", len(v))
			}
			data = make([]float32, len(v)/2)
			for i := range data {
				data[i] = float16.Frombits(binary.LittleEndian.Uint16(v[2*i:])).Float32()
			}
		}
	}
	if shape == nil {
		return nil, errors.New("tensor without dims")
	}
	return tensor.FromSlice(data, shape)
}
