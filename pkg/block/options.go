package block

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Options is the nested key/value configuration for a node being opened or
// reopened. Keys are unique; dotted paths address a child's sub-options
// (e.g. "file.filename" configures the "file" child). Values are strings,
// bools, numbers or nested maps, as produced by encoding/json or by the
// configuration layer.
type Options map[string]any

// Clone returns a shallow copy. Nested maps are shared, which matches how
// the open path consumes options: nested maps are extracted wholesale and
// handed to exactly one child.
func (o Options) Clone() Options {
	out := make(Options, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// joinDefaults copies entries from old that are missing in o, so that
// leaving out an option defaults to its old value.
func (o Options) joinDefaults(old Options) {
	for k, v := range old {
		if _, ok := o[k]; !ok {
			o[k] = v
		}
	}
}

// setDefault sets key to value unless the key is already present.
func (o Options) setDefault(key string, value any) {
	if _, ok := o[key]; !ok {
		o[key] = value
	}
}

// copyDefault copies key from src when present there and absent here.
func (o Options) copyDefault(src Options, key string) {
	if _, ok := o[key]; ok {
		return
	}
	if v, ok := src[key]; ok {
		o[key] = v
	}
}

// getString returns the value for key coerced to a string. Numbers and
// bools stringify; nested maps do not.
func (o Options) getString(key string) (string, bool) {
	v, ok := o[key]
	if !ok {
		return "", false
	}
	s, err := coerceString(v)
	if err != nil {
		return "", false
	}
	return s, true
}

// takeString removes and returns a string-valued key.
func (o Options) takeString(key string) (string, bool) {
	s, ok := o.getString(key)
	if ok {
		delete(o, key)
	}
	return s, ok
}

// takeBool removes and returns a bool-valued key. The middle return is
// false when the key is absent; the error reports a malformed value.
func (o Options) takeBool(key string) (bool, bool, error) {
	v, ok := o[key]
	if !ok {
		return false, false, nil
	}
	delete(o, key)
	b, err := coerceBool(v)
	if err != nil {
		return false, true, configErr("", fmt.Sprintf("invalid value for option %q: %v", key, v))
	}
	return b, true, nil
}

// SetDefault sets key to value unless the key is already present.
func (o Options) SetDefault(key string, value any) { o.setDefault(key, value) }

// GetString returns the value for key coerced to a string, for drivers
// consuming their options.
func (o Options) GetString(key string) (string, bool) { return o.getString(key) }

// TakeString removes and returns a string-valued key.
func (o Options) TakeString(key string) (string, bool) { return o.takeString(key) }

// TakeBool removes and returns a bool-valued key.
func (o Options) TakeBool(key string) (bool, bool, error) { return o.takeBool(key) }

// TakeInt64 removes and returns an integer-valued key. The middle return
// is false when the key is absent.
func (o Options) TakeInt64(key string) (int64, bool, error) {
	v, ok := o[key]
	if !ok {
		return 0, false, nil
	}
	delete(o, key)
	s, err := coerceString(v)
	if err != nil {
		return 0, true, configErr("", fmt.Sprintf("invalid value for option %q: %v", key, v))
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, true, configErr("", fmt.Sprintf("invalid value for option %q: %v", key, v))
	}
	return i, true, nil
}

// extractPrefix removes every entry addressed to the child named prefix and
// returns them with the prefix stripped. Both the dotted form
// ("backing.driver") and a nested map under the bare key ("backing": {...})
// are recognized; a bare string value is left in place for the caller
// (e.g. "backing" naming a node reference).
func (o Options) extractPrefix(prefix string) Options {
	out := Options{}
	dot := prefix + "."
	for k, v := range o {
		if strings.HasPrefix(k, dot) {
			out[k[len(dot):]] = v
			delete(o, k)
		}
	}
	if v, ok := o[prefix]; ok {
		if nested, isMap := toOptions(v); isMap {
			out.joinDefaults(nested)
			delete(o, prefix)
		}
	}
	return out
}

// equalValue reports whether two option values are the same setting,
// comparing across the representations that reach us (JSON decoding,
// config files, flag translation).
func equalValue(a, b any) bool {
	as, aerr := coerceString(a)
	bs, berr := coerceString(b)
	if aerr == nil && berr == nil {
		return as == bs
	}
	am, aok := toOptions(a)
	bm, bok := toOptions(b)
	if aok && bok {
		if len(am) != len(bm) {
			return false
		}
		for k, v := range am {
			w, ok := bm[k]
			if !ok || !equalValue(v, w) {
				return false
			}
		}
		return true
	}
	return false
}

func toOptions(v any) (Options, bool) {
	switch m := v.(type) {
	case Options:
		return m, true
	case map[string]any:
		return Options(m), true
	default:
		return nil, false
	}
}

func coerceString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		// JSON numbers decode as float64
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10), nil
		}
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case json.Number:
		return x.String(), nil
	default:
		return "", fmt.Errorf("not a scalar: %T", v)
	}
}

func coerceBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch x {
		case "on", "true", "yes":
			return true, nil
		case "off", "false", "no":
			return false, nil
		}
		return false, fmt.Errorf("not a boolean: %q", x)
	default:
		return false, fmt.Errorf("not a boolean: %T", v)
	}
}

// jsonFilenamePrefix introduces an options dictionary embedded in a
// filename instead of a real path.
const jsonFilenamePrefix = "json:"

// parseJSONFilename folds a "json:{...}" pseudo-filename into the options
// map. The embedded options count as explicit caller options but never
// override options passed directly. Returns the remaining real filename
// ("" when the filename was consumed).
func parseJSONFilename(opts Options, filename string) (string, error) {
	if !strings.HasPrefix(filename, jsonFilenamePrefix) {
		return filename, nil
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(filename[len(jsonFilenamePrefix):]), &parsed); err != nil {
		return "", configErr("", fmt.Sprintf("could not parse %q filename: %v", jsonFilenamePrefix, err))
	}
	flat := Options{}
	flattenInto(flat, "", parsed)
	opts.joinDefaults(flat)
	return "", nil
}

// flattenInto rewrites nested maps into dotted keys so the rest of the
// open path sees one canonical shape.
func flattenInto(dst Options, prefix string, src map[string]any) {
	for k, v := range src {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(dst, key, nested)
		} else {
			dst[key] = v
		}
	}
}

// protocolPrefix extracts the protocol from a filename like "s3://bucket/x"
// or "nbd:host". Plain paths, relative paths and Windows drive letters
// ("c:\img.raw") are not protocols.
func protocolPrefix(filename string) string {
	i := strings.IndexAny(filename, ":/\\")
	if i <= 0 || filename[i] != ':' {
		return ""
	}
	// Single letter before ':' is a drive letter, not a protocol.
	if i == 1 {
		return ""
	}
	return filename[:i]
}
