// Package codec provides the injected JSON encode/decode pair referenced by
// spec as "JSON codec selection (treated as an injected pair of encode/decode
// functions)". The default pair is backed by goccy/go-json, a drop-in
// encoding/json replacement also used elsewhere in the retrieved pack
// (tomtom215-cartographus). It is the only pair in use: the json_dumps and
// json_loads options are not read, so config cannot select another pair.
package codec

import (
	"io"

	gojson "github.com/goccy/go-json"
)

// EncodeFunc marshals v to JSON bytes, as injected into the WSGI request
// context and used by the stats reporter handler.
type EncodeFunc func(v interface{}) ([]byte, error)

// DecodeFunc unmarshals JSON bytes into v.
type DecodeFunc func(data []byte, v interface{}) error

// Default is the launcher's codec pair; plan.Load always uses it.
var Default = Pair{Encode: gojson.Marshal, Decode: gojson.Unmarshal}

// Pair bundles an EncodeFunc and DecodeFunc, the shape handed to handlers
// and the stats reporter through the RequestContext.
type Pair struct {
	Encode EncodeFunc
	Decode DecodeFunc
}

// Indent writes v to dest as pretty-printed JSON, used by LaunchPlan.Dump
// for the dry-run config dump.
func Indent(dest io.Writer, v interface{}) error {
	enc := gojson.NewEncoder(dest)
	enc.SetIndent("", "    ")
	return enc.Encode(v)
}
