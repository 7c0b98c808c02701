package mcbp

import (
	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// CompressHandler compresses and decompresses packet values according to
// the snappy datatype flag.
type CompressHandler struct {
	// MinSize is the smallest value which will be compressed.
	MinSize int
	// MinRatio is the largest compressed/uncompressed ratio which is kept,
	// values compressing worse than this are sent as-is.
	MinRatio float64
}

// CompressContent compresses in, returning the value and the datatype it
// should be sent with.  Values which are already compressed, too small or
// do not compress well are returned unmodified.
func (h CompressHandler) CompressContent(in []byte, datatype uint8) ([]byte, uint8) {
	if datatype&uint8(memd.DatatypeFlagCompressed) != 0 {
		return in, datatype
	}
	if len(in) == 0 || len(in) < h.MinSize {
		return in, datatype
	}

	compressLen := snappy.MaxEncodedLen(len(in))
	out := make([]byte, compressLen)
	out = snappy.Encode(out, in)

	if h.MinRatio > 0 && float64(len(out))/float64(len(in)) > h.MinRatio {
		return in, datatype
	}

	return out, datatype | uint8(memd.DatatypeFlagCompressed)
}

// UncompressContent decompresses in if the datatype marks it compressed,
// returning the new value and the datatype with the flag cleared.
func (h CompressHandler) UncompressContent(in []byte, datatype uint8) ([]byte, uint8, error) {
	if datatype&uint8(memd.DatatypeFlagCompressed) == 0 {
		return in, datatype, nil
	}

	out, err := snappy.Decode(nil, in)
	if err != nil {
		return nil, datatype, errors.Wrap(err, "compressed content could not be decompressed")
	}

	return out, datatype &^ uint8(memd.DatatypeFlagCompressed), nil
}
