package codec

// Codec marshals envelopes and payloads for the wire.
// Implementations must be deterministic and safe for concurrent use.
type Codec interface {
    ContentType() string
    Marshal(v any) ([]byte, error)
    Unmarshal(data []byte, v any) error
}

// Registry maps content types to codecs.
type Registry struct{ byType map[string]Codec }

// NewRegistry constructs a registry preloaded with the JSON and CBOR wire
// codecs. JSON is the default spoken by telescope endpoints.
func NewRegistry() *Registry {
    r := &Registry{byType: make(map[string]Codec)}
    r.Register(JSON())
    if c, err := CBOR(); err == nil {
        r.Register(c)
    }
    return r
}

// Register adds a codec.
func (r *Registry) Register(c Codec) { r.byType[c.ContentType()] = c }

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }

// ByName returns a codec by its content subtype ("json", "cbor"), the short
// names used in configuration, or nil.
func (r *Registry) ByName(name string) Codec { return r.byType["application/"+name] }
