//nolint:revive // types is a common Go package naming convention
package types

// FileSource is the namespace tag of the file driver, used both as the
// effect head tag (%file) and as the wire source.
const FileSource = "file"

// FileWireVersion is the version carried on every file driver wire.
const FileWireVersion uint64 = 1

// Wire is the correlation label attached to a poke.
// It is opaque to the driver core; only the dispatch layer routes on it.
type Wire struct {
	// Source names the driver that produced the poke.
	Source string `msgpack:"source" json:"source"`
	// Version is the wire format version for the source.
	Version uint64 `msgpack:"version" json:"version"`
	// Tags further qualify the wire, e.g. the operation name.
	Tags []string `msgpack:"tags" json:"tags"`
}

// NewWire returns a wire with a private copy of tags.
func NewWire(source string, version uint64, tags ...string) Wire {
	return Wire{
		Source:  source,
		Version: version,
		Tags:    append([]string(nil), tags...),
	}
}

// Equal reports whether two wires carry the same label.
func (w Wire) Equal(o Wire) bool {
	if w.Source != o.Source || w.Version != o.Version || len(w.Tags) != len(o.Tags) {
		return false
	}
	for i := range w.Tags {
		if w.Tags[i] != o.Tags[i] {
			return false
		}
	}
	return true
}
