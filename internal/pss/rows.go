package pss

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// pssTimeLayout is the timestamp format used throughout the PSS API (UTC, no zone).
const pssTimeLayout = "2006-01-02T15:04:05"

// row is one XML element of interest with its attributes and nested child
// elements. It is the raw form every typed record is parsed from.
type row struct {
	name     string
	attrs    map[string]string
	children []row
}

// apiError is an error reported inside an otherwise well-formed response.
type apiError struct {
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("pss error %s: %s", e.Code, e.Message)
	}
	return "pss error: " + e.Message
}

// decodeRows collects every element named element (at any depth) from r.
// Elements nested inside a collected element become its children.
// An errorMessage attribute anywhere in the document is returned as *apiError.
func decodeRows(r io.Reader, element string) ([]row, error) {
	dec := xml.NewDecoder(r)
	var (
		out   []row
		stack []*row
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			attrs := make(map[string]string, len(t.Attr))
			for _, a := range t.Attr {
				attrs[a.Name.Local] = a.Value
			}
			if msg, ok := attrs["errorMessage"]; ok && msg != "" {
				return nil, &apiError{Code: attrs["errorCode"], Message: msg}
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, row{name: t.Name.Local, attrs: attrs})
				stack = append(stack, &parent.children[len(parent.children)-1])
				continue
			}
			if t.Name.Local == element {
				out = append(out, row{name: t.Name.Local, attrs: attrs})
				stack = append(stack, &out[len(out)-1])
			}
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	return out, nil
}

func (r row) str(key string) string {
	return strings.TrimSpace(r.attrs[key])
}

func (r row) has(key string) bool {
	_, ok := r.attrs[key]
	return ok && r.str(key) != ""
}

func (r row) int(key string) (int64, error) {
	v := r.str(key)
	if v == "" {
		return 0, fmt.Errorf("missing %s", key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q", key, v)
	}
	return n, nil
}

func (r row) intOr(key string, def int64) (int64, error) {
	if !r.has(key) {
		return def, nil
	}
	return r.int(key)
}

func (r row) float(key string) (float64, error) {
	v := r.str(key)
	if v == "" {
		return 0, fmt.Errorf("missing %s", key)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q", key, v)
	}
	return f, nil
}

func (r row) floatOr(key string, def float64) (float64, error) {
	if !r.has(key) {
		return def, nil
	}
	return r.float(key)
}

func (r row) time(key string) (time.Time, error) {
	v := r.str(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(pssTimeLayout, v, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad %s %q", key, v)
	}
	return t, nil
}

// child returns the nested rows named name.
func (r row) child(name string) []row {
	var out []row
	for _, c := range r.children {
		if c.name == name {
			out = append(out, c)
		}
		out = append(out, c.child(name)...)
	}
	return out
}
