package meta

import (
	"github.com/fxamacker/cbor/v2"
)

// Records are stored as deterministic CBOR. Times keep nanosecond
// precision because bump ordering depends on it.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("meta: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("meta: CBOR decoder initialization failed: " + err.Error())
	}
}

func encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func decode(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
