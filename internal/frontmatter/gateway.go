// Package frontmatter is the only path through which stage, ticket, and
// epic state is read from or written to disk. It treats a work-item file as
// a YAML header delimited by "---" lines followed by a free-form body, and
// never normalizes unknown header keys away.
package frontmatter

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const delimiter = "---"

// Gateway reads and writes work-item files through an afero filesystem,
// so callers can point it at the real disk or an in-memory fixture in tests.
type Gateway struct {
	fs afero.Fs
}

// NewGateway returns a Gateway backed by fs. A nil fs uses the OS filesystem.
func NewGateway(fs afero.Fs) *Gateway {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Gateway{fs: fs}
}

// Read parses path into its frontmatter data and trailing body.
func (g *Gateway) Read(path string) (*Data, string, error) {
	raw, err := afero.ReadFile(g.fs, path)
	if err != nil {
		return nil, "", fmt.Errorf("frontmatter: read %s: %w", path, err)
	}
	header, body, err := splitDocument(raw)
	if err != nil {
		return nil, "", fmt.Errorf("frontmatter: parse %s: %w", path, err)
	}
	data, err := decodeHeader(header)
	if err != nil {
		return nil, "", fmt.Errorf("frontmatter: parse %s: %w", path, err)
	}
	return data, body, nil
}

// Write serializes data and body back to path, preserving the insertion
// order of data's keys so unrelated diffs don't appear in version control.
func (g *Gateway) Write(path string, data *Data, body string) error {
	header, err := encodeHeader(data)
	if err != nil {
		return fmt.Errorf("frontmatter: write %s: %w", path, err)
	}

	var buf bytes.Buffer
	buf.WriteString(delimiter)
	buf.WriteByte('\n')
	buf.Write(header)
	buf.WriteString(delimiter)
	buf.WriteByte('\n')
	buf.WriteString(body)

	if err := afero.WriteFile(g.fs, path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("frontmatter: write %s: %w", path, err)
	}
	return nil
}

// splitDocument separates the raw bytes of a work-item file into the raw
// YAML header bytes and the body text that follows the closing delimiter.
func splitDocument(raw []byte) (header []byte, body string, err error) {
	text := string(raw)
	if !strings.HasPrefix(text, delimiter) {
		return nil, "", fmt.Errorf("missing opening frontmatter delimiter")
	}

	rest := strings.TrimPrefix(text[len(delimiter):], "\n")
	idx := strings.Index(rest, "\n"+delimiter)
	if idx < 0 {
		return nil, "", fmt.Errorf("missing closing frontmatter delimiter")
	}

	header = []byte(rest[:idx])
	bodyStart := idx + len("\n"+delimiter)
	body = strings.TrimPrefix(rest[bodyStart:], "\n")
	return header, body, nil
}

// decodeHeader parses raw YAML mapping bytes into an order-preserving Data,
// using yaml.Node directly because yaml.v3's map[string]any decode does not
// preserve key order.
func decodeHeader(raw []byte) (*Data, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode frontmatter: %w", err)
	}
	d := NewData()
	if len(doc.Content) == 0 {
		return d, nil
	}

	mapping := doc.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("frontmatter header is not a mapping")
	}

	for i := 0; i+1 < len(mapping.Content); i += 2 {
		keyNode := mapping.Content[i]
		valNode := mapping.Content[i+1]
		var value interface{}
		if err := valNode.Decode(&value); err != nil {
			return nil, fmt.Errorf("decode frontmatter value %q: %w", keyNode.Value, err)
		}
		d.Set(keyNode.Value, value)
	}
	return d, nil
}

// encodeHeader serializes d back to YAML mapping bytes in key order.
func encodeHeader(d *Data) ([]byte, error) {
	mapping := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, key := range d.Keys() {
		value, _ := d.Get(key)
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
		valNode := &yaml.Node{}
		if err := valNode.Encode(value); err != nil {
			return nil, fmt.Errorf("encode frontmatter value %q: %w", key, err)
		}
		mapping.Content = append(mapping.Content, keyNode, valNode)
	}

	doc := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{mapping}}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode frontmatter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode frontmatter: %w", err)
	}
	return buf.Bytes(), nil
}
