// Package mapper parses downloaded source files and maps them onto sink entities.
package mapper

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/user/portal-ingest/internal/entity"
)

// ErrMalformed wraps every parse failure of source content.
var ErrMalformed = errors.New("malformed source file")

const maxArchiveBytes = 512 << 20

// Node is one XML element. Names are local names; namespaces are dropped.
type Node struct {
	Name     string
	Attrs    map[string]string
	Text     string
	Children []*Node
}

// Child returns the first child element with the given name.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// All returns the child elements with the given name.
func (n *Node) All(name string) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Lookup resolves a slash-separated path of child names below n. A final "@name"
// segment selects an attribute. ok is false when any step is absent.
func (n *Node) Lookup(p string) (value string, ok bool) {
	cur := n
	segs := strings.Split(p, "/")
	for i, seg := range segs {
		if strings.HasPrefix(seg, "@") && i == len(segs)-1 {
			v, ok := cur.Attrs[seg[1:]]
			return v, ok
		}
		cur = cur.Child(seg)
		if cur == nil {
			return "", false
		}
	}
	return cur.Text, true
}

// Part is one XML document inside a source file. Archives hold several.
type Part struct {
	Name string
	Root *Node
}

// Document is a parsed source file.
type Document struct {
	FileType entity.FileType
	Parts    []Part
}

// Parse reads a source file of the given type. Documents and schemas are single XML
// files; archives are zips whose .xml entries become parts in name order.
func Parse(r io.Reader, ft entity.FileType) (*Document, error) {
	switch ft {
	case entity.FileTypeDocument, entity.FileTypeSchema:
		root, err := decode(r)
		if err != nil {
			return nil, err
		}
		return &Document{FileType: ft, Parts: []Part{{Name: "", Root: root}}}, nil
	case entity.FileTypeArchive:
		return parseArchive(r)
	}
	return nil, fmt.Errorf("%w: unsupported file type %q", ErrMalformed, ft)
}

func parseArchive(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxArchiveBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	if len(data) > maxArchiveBytes {
		return nil, fmt.Errorf("%w: archive larger than %d bytes", ErrMalformed, maxArchiveBytes)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	doc := &Document{FileType: entity.FileTypeArchive}
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() || !strings.EqualFold(path.Ext(zf.Name), ".xml") {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrMalformed, zf.Name, err)
		}
		root, err := decode(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", zf.Name, err)
		}
		doc.Parts = append(doc.Parts, Part{Name: zf.Name, Root: root})
	}
	if len(doc.Parts) == 0 {
		return nil, fmt.Errorf("%w: archive holds no xml documents", ErrMalformed)
	}
	return doc, nil
}

// decode builds the element tree of one XML document. Text is kept for leaf elements only.
func decode(r io.Reader) (*Node, error) {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel

	var (
		stack []*Node
		root  *Node
		text  strings.Builder
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &Node{Name: t.Name.Local}
			if len(t.Attr) > 0 {
				n.Attrs = make(map[string]string, len(t.Attr))
				for _, a := range t.Attr {
					n.Attrs[a.Name.Local] = a.Value
				}
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("%w: more than one root element", ErrMalformed)
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			}
			stack = append(stack, n)
			text.Reset()
		case xml.CharData:
			if len(stack) > 0 {
				text.Write(t)
			}
		case xml.EndElement:
			n := stack[len(stack)-1]
			if len(n.Children) == 0 {
				n.Text = strings.TrimSpace(text.String())
			}
			stack = stack[:len(stack)-1]
			text.Reset()
		}
	}
	if root == nil {
		return nil, fmt.Errorf("%w: no root element", ErrMalformed)
	}
	if len(stack) > 0 {
		return nil, fmt.Errorf("%w: unexpected end of document", ErrMalformed)
	}
	return root, nil
}
