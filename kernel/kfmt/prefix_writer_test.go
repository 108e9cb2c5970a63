package kfmt

import (
	"bytes"
	"errors"
	"testing"
)

func TestPrefixWriter(t *testing.T) {
	specs := []struct {
		input []string
		exp   string
	}{
		{
			[]string{""},
			"",
		},
		{
			[]string{"\n"},
			"prefix: \n",
		},
		{
			[]string{"no line break anywhere"},
			"prefix: no line break anywhere",
		},
		{
			[]string{"line feed at the end\n"},
			"prefix: line feed at the end\n",
		},
		{
			[]string{"\nthe big brown\nfog jumped\nover the lazy\ndog"},
			"prefix: \nprefix: the big brown\nprefix: fog jumped\nprefix: over the lazy\nprefix: dog",
		},
		{
			[]string{"split ", "across ", "writes\n", "next\n"},
			"prefix: split across writes\nprefix: next\n",
		},
	}

	for specIndex, spec := range specs {
		var buf bytes.Buffer
		w := NewPrefixWriter(&buf, "prefix: ")

		for _, input := range spec.input {
			wrote, err := w.Write([]byte(input))
			if err != nil {
				t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			}

			if expLen := len(input); expLen != wrote {
				t.Errorf("[spec %d] expected writer to write %d bytes; wrote %d", specIndex, expLen, wrote)
			}
		}

		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected output:\n%q\ngot:\n%q", specIndex, spec.exp, got)
		}
	}
}

func TestPrefixWriterNesting(t *testing.T) {
	var buf bytes.Buffer
	w := NewPrefixWriter(NewPrefixWriter(&buf, "[outer] "), "[inner] ")

	Fprintf(w, "line %d\nline %d\n", 1, 2)

	if exp, got := "[outer] [inner] line 1\n[outer] [inner] line 2\n", buf.String(); got != exp {
		t.Fatalf("expected output:\n%q\ngot:\n%q", exp, got)
	}
}

func TestPrefixWriterDefaultSink(t *testing.T) {
	defer SetOutputSink(nil)

	var buf bytes.Buffer
	SetOutputSink(&buf)
	buf.Reset()

	Fprintf(NewPrefixWriter(nil, "[test] "), "hello\n")

	if exp, got := "[test] hello\n", buf.String(); got != exp {
		t.Fatalf("expected output:\n%q\ngot:\n%q", exp, got)
	}
}

func TestPrefixWriterErrors(t *testing.T) {
	specs := []string{
		"no line break anywhere",
		"\nthe big brown\nfog jumped\nover the lazy\ndog",
	}

	expErr := errors.New("write failed")
	for specIndex, spec := range specs {
		w := NewPrefixWriter(writerThatAlwaysErrors{expErr}, "prefix: ")
		_, err := w.Write([]byte(spec))
		if err != expErr {
			t.Errorf("[spec %d] expected error: %v; got %v", specIndex, expErr, err)
		}
	}
}

type writerThatAlwaysErrors struct {
	err error
}

func (w writerThatAlwaysErrors) Write(_ []byte) (int, error) {
	return 0, w.err
}
