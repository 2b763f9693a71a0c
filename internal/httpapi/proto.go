package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// maxRequestBody caps the request body size for both protobuf and JSON
// payloads.  The largest request (a key with a 200 byte endpoint) is well
// under 1 KiB.
const maxRequestBody = 4096

const protobufType = "application/x-protobuf"

var errBodyTooLarge = errors.New("request body too large")

// isProtobuf returns true if the request's Content-Type indicates a
// protobuf payload.  Such bodies carry a google.protobuf.Struct with the
// same fields as the JSON form.
func isProtobuf(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mt == protobufType || mt == "application/protobuf"
}

// wantsProtobuf reports whether the response should be a protobuf Struct.
// Without an Accept header the response mirrors the request encoding.
func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return isProtobuf(r)
	}
	return strings.Contains(accept, protobufType) || strings.Contains(accept, "application/protobuf")
}

// decodeBody fills dst from a JSON or protobuf Struct body.  Unknown
// fields are rejected in both encodings.
func decodeBody(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return err
	}
	if len(body) > maxRequestBody {
		return errBodyTooLarge
	}

	if isProtobuf(r) {
		var st structpb.Struct
		if err := proto.Unmarshal(body, &st); err != nil {
			return fmt.Errorf("protobuf body: %w", err)
		}
		if body, err = json.Marshal(st.AsMap()); err != nil {
			return err
		}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeBody encodes v as JSON or as a protobuf Struct, following the
// request's Accept header.  A nil v writes the status alone.
func writeBody(w http.ResponseWriter, r *http.Request, status int, v any) {
	if v == nil {
		w.WriteHeader(status)
		return
	}
	if !wantsProtobuf(r) {
		writeJSON(w, status, v)
		return
	}

	st, err := toStruct(v)
	if err != nil {
		http.Error(w, "proto marshal error", http.StatusInternalServerError)
		return
	}
	data, err := proto.Marshal(st)
	if err != nil {
		// Fall back to a plain-text error if marshalling fails.
		http.Error(w, "proto marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", protobufType)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// toStruct goes through JSON so the protobuf form uses the same field
// names as the JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
