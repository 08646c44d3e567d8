package security

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaSet holds compiled request schemas by name.
type SchemaSet struct {
	schemas map[string]*jsonschema.Schema
}

// NewSchemaSet compiles every schema up front so a bad schema fails at startup.
func NewSchemaSet(sources map[string]string) (*SchemaSet, error) {
	compiler := jsonschema.NewCompiler()
	for name, src := range sources {
		if err := compiler.AddResource(name+".json", strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	set := &SchemaSet{schemas: make(map[string]*jsonschema.Schema, len(sources))}
	for name := range sources {
		s, err := compiler.Compile(name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		set.schemas[name] = s
	}
	return set, nil
}

// Validate returns middleware checking the request body against the named
// schema. The body is restored for the handler.
func (s *SchemaSet) Validate(name string) func(http.Handler) http.Handler {
	schema, ok := s.schemas[name]
	if !ok {
		panic("security: unknown schema " + name)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil {
				WriteJSONError(w, r, http.StatusBadRequest, "invalid_request")
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				var mbe *http.MaxBytesError
				if errors.As(err, &mbe) {
					WriteJSONError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large")
					return
				}
				WriteJSONError(w, r, http.StatusBadRequest, "invalid_request")
				return
			}
			_ = r.Body.Close()

			var payload any
			dec := json.NewDecoder(bytes.NewReader(body))
			dec.UseNumber()
			if err := dec.Decode(&payload); err != nil {
				WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
				return
			}

			if err := schema.Validate(payload); err != nil {
				var ve *jsonschema.ValidationError
				msg := err.Error()
				if errors.As(err, &ve) {
					msg = ve.Error()
				}
				WriteJSONErrorMessage(w, r, http.StatusBadRequest, "validation_error", msg)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

// BodySizeLimit caps request bodies at max bytes.
func BodySizeLimit(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > max {
				WriteJSONError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large")
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, max)
			}
			next.ServeHTTP(w, r)
		})
	}
}
