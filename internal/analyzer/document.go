package analyzer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

var gzipMagic = []byte{0x1f, 0x8b}

// document is a bounded, decompressed view of a stored project file.
type document struct {
	file   *os.File
	zr     *gzip.Reader
	reader io.Reader
	limit  *boundedReader
}

type boundedReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		var peek [1]byte
		if n, _ := b.r.Read(peek[:]); n == 0 {
			return 0, io.EOF
		}
		b.exceeded = true
		return 0, ErrTooLarge
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	return n, err
}

func openDocument(path string, maxBytes int64) (*document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(f)
	head, err := br.Peek(len(gzipMagic))
	if err != nil || !bytes.Equal(head, gzipMagic) {
		f.Close()
		return nil, ErrNotCompressed
	}

	zr, err := gzip.NewReader(br)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	limit := &boundedReader{r: zr, remaining: maxBytes}
	return &document{file: f, zr: zr, reader: limit, limit: limit}, nil
}

func (d *document) Close() error {
	d.zr.Close()
	return d.file.Close()
}

// sniff returns up to n decompressed bytes from the start of the file.
func sniff(path string, n int) ([]byte, error) {
	doc, err := openDocument(path, int64(n))
	if err != nil {
		return nil, err
	}
	defer doc.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(doc.zr, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return buf[:read], nil
}

// visitor receives every start element with its ancestor names, outermost first.
type visitor func(el xml.StartElement, ancestors []string)

// walk streams the XML tree. Syntax problems found after the root element was
// read are returned as parse errors; everything else is fatal.
func walk(ctx context.Context, path string, maxBytes int64, visit visitor) (root string, parseErrors []string, err error) {
	doc, err := openDocument(path, maxBytes)
	if err != nil {
		return "", nil, err
	}
	defer doc.Close()

	dec := xml.NewDecoder(doc.reader)
	var stack []string
	for tokens := 0; ; tokens++ {
		if tokens%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return "", nil, err
			}
		}

		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if doc.limit.exceeded {
				return "", nil, ErrTooLarge
			}
			var syntaxErr *xml.SyntaxError
			if !errors.As(err, &syntaxErr) {
				return "", nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			if root == "" {
				return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			parseErrors = append(parseErrors, fmt.Sprintf("line %d: %s", syntaxErr.Line, syntaxErr.Msg))
			break
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if root == "" {
				root = t.Name.Local
			}
			visit(t, stack)
			stack = append(stack, t.Name.Local)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if root == "" {
		return "", nil, ErrMalformed
	}
	if len(stack) > 0 && len(parseErrors) == 0 {
		parseErrors = append(parseErrors, fmt.Sprintf("document ends inside <%s>", stack[len(stack)-1]))
	}
	return root, parseErrors, nil
}

func attr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func within(ancestors []string, name string) bool {
	for _, a := range ancestors {
		if a == name {
			return true
		}
	}
	return false
}
