package gcode

import (
	"bytes"
	"io"
	"log"
	"os"
)

// Writer serializes the current job. It reports success as a bool; the
// reason for a failure is the writer's own business to log.
type Writer interface {
	Write(w io.Writer) bool
}

// FileWriter streams an already sliced file from disk.
type FileWriter struct {
	Path string
}

func (f FileWriter) Write(w io.Writer) bool {
	src, err := os.Open(f.Path)
	if err != nil {
		log.Printf("gcode: opening %s: %v", f.Path, err)
		return false
	}
	defer src.Close()

	if _, err := io.Copy(w, src); err != nil {
		log.Printf("gcode: copying %s: %v", f.Path, err)
		return false
	}
	return true
}

// Meta scans the header of the file.
func (f FileWriter) Meta() (Meta, error) {
	src, err := os.Open(f.Path)
	if err != nil {
		return Meta{}, err
	}
	defer src.Close()
	return MetaForFile(f.Path, src)
}

// BytesWriter serves a job already held in memory, such as an HTTP upload.
type BytesWriter []byte

func (b BytesWriter) Write(w io.Writer) bool {
	if _, err := io.Copy(w, bytes.NewReader(b)); err != nil {
		log.Printf("gcode: writing buffered job: %v", err)
		return false
	}
	return true
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(w io.Writer) bool

func (fn WriterFunc) Write(w io.Writer) bool { return fn(w) }
