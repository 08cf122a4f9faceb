// Copyright 2020, Square, Inc.

// Package sink represents the redirection sources and sinks a job's
// stdin, stdout, and stderr can be wired to. A sink is a tagged variant:
// nothing, a filesystem path, a live *os.File, an in-memory buffer, a
// fixed byte sequence, a producer callback (stdin only), or a per-line
// consumer callback (stdout/stderr only). Each variant knows how to turn
// itself into an *os.File for the child process and how to finalize
// itself after the child exits.
package sink

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

type Kind byte

const (
	None Kind = iota
	Path
	Stream
	Buffer
	Bytes
	Producer
	Consumer
)

var kindName = map[Kind]string{
	None:     "none",
	Path:     "path",
	Stream:   "stream",
	Buffer:   "buffer",
	Bytes:    "bytes",
	Producer: "producer",
	Consumer: "consumer",
}

func (k Kind) String() string {
	return kindName[k]
}

// ProducerFunc supplies stdin content. It is called repeatedly; returning
// ok=false ends the input.
type ProducerFunc func() (chunk []byte, ok bool)

// ConsumerFunc receives one line of captured output, without the trailing
// newline, after the child has exited.
type ConsumerFunc func(line string)

// A Sink is one redirection endpoint. The zero value and the nil pointer
// both mean "no redirection". Sinks are single-use per run: Setup* opens
// or spools the backing file, Finish closes it and delivers captured
// content.
type Sink struct {
	kind    Kind
	path    string
	stream  *os.File
	buf     *bytes.Buffer
	data    [][]byte
	produce ProducerFunc
	consume ConsumerFunc

	file     *os.File // active descriptor between Setup and Finish
	spool    string   // spool file backing Buffer/Bytes/Producer/Consumer
	owned    bool     // whether Finish must close file
	isOutput bool     // set by SetupOutput; Finish only reads back output spools
}

func NewPath(path string) *Sink {
	return &Sink{kind: Path, path: path}
}

func NewStream(f *os.File) *Sink {
	return &Sink{kind: Stream, stream: f}
}

func NewBuffer(buf *bytes.Buffer) *Sink {
	return &Sink{kind: Buffer, buf: buf}
}

func NewBytes(chunks ...[]byte) *Sink {
	return &Sink{kind: Bytes, data: chunks}
}

func NewProducer(fn ProducerFunc) *Sink {
	return &Sink{kind: Producer, produce: fn}
}

func NewConsumer(fn ConsumerFunc) *Sink {
	return &Sink{kind: Consumer, consume: fn}
}

func (s *Sink) Kind() Kind {
	if s == nil {
		return None
	}
	return s.kind
}

// Path returns the filesystem path for a Path sink, else "".
func (s *Sink) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Buf returns the backing buffer for a Buffer sink, else nil.
func (s *Sink) Buf() *bytes.Buffer {
	if s == nil {
		return nil
	}
	return s.buf
}

// Serializable reports whether the sink survives the handle's JSON
// serialization contract. Only nothing and paths do.
func (s *Sink) Serializable() bool {
	k := s.Kind()
	return k == None || k == Path
}

// ForCluster returns an error unless the sink can be expressed as a
// filesystem path visible to a cluster node.
func (s *Sink) ForCluster() error {
	if s.Serializable() {
		return nil
	}
	return fmt.Errorf("cannot use a %s sink for a cluster job, only files", s.Kind())
}

// SetupInput prepares the sink as a stdin source and returns the file to
// wire onto the child, or nil for no redirection. In-memory variants are
// spooled to <dir>/<name> first.
func (s *Sink) SetupInput(dir, name string) (*os.File, error) {
	if s.Kind() == None {
		return nil, nil
	}
	switch s.kind {
	case Path:
		f, err := os.Open(s.path)
		if err != nil {
			return nil, err
		}
		s.file = f
		s.owned = true
	case Stream:
		s.file = s.stream
	case Buffer:
		if err := s.writeSpool(dir, name, s.buf.Bytes()); err != nil {
			return nil, err
		}
	case Bytes:
		if err := s.writeSpool(dir, name, bytes.Join(s.data, nil)); err != nil {
			return nil, err
		}
	case Producer:
		var all []byte
		for {
			chunk, ok := s.produce()
			if !ok {
				break
			}
			all = append(all, chunk...)
		}
		if err := s.writeSpool(dir, name, all); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("a %s sink cannot be used for stdin", s.kind)
	}
	return s.file, nil
}

// SetupOutput prepares the sink as a stdout/stderr sink and returns the
// file to wire onto the child, or nil for no redirection. Buffer and
// Consumer variants write to a spool file that Finish reads back.
func (s *Sink) SetupOutput(dir, name string) (*os.File, error) {
	if s.Kind() == None {
		return nil, nil
	}
	s.isOutput = true
	switch s.kind {
	case Path:
		f, err := os.Create(s.path)
		if err != nil {
			return nil, err
		}
		s.file = f
		s.owned = true
	case Stream:
		s.file = s.stream
	case Buffer, Consumer:
		s.spool = filepath.Join(dir, name)
		f, err := os.Create(s.spool)
		if err != nil {
			return nil, err
		}
		s.file = f
		s.owned = true
	default:
		return nil, fmt.Errorf("a %s sink cannot be used for output", s.kind)
	}
	return s.file, nil
}

// Finish closes any descriptor the sink owns and delivers captured
// output: spool contents into the buffer for Buffer sinks, spool lines
// into the callback for Consumer sinks.
func (s *Sink) Finish() error {
	if s == nil || s.kind == None {
		return nil
	}
	if s.file != nil && s.owned {
		s.file.Close()
	}
	s.file = nil
	if !s.isOutput {
		return nil
	}
	switch s.kind {
	case Buffer:
		data, err := os.ReadFile(s.spool)
		if err != nil {
			return err
		}
		s.buf.Reset()
		s.buf.Write(data)
	case Consumer:
		f, err := os.Open(s.spool)
		if err != nil {
			return err
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			s.consume(scanner.Text())
		}
		return scanner.Err()
	}
	return nil
}

func (s *Sink) writeSpool(dir, name string, data []byte) error {
	s.spool = filepath.Join(dir, name)
	if err := os.WriteFile(s.spool, data, 0644); err != nil {
		return err
	}
	f, err := os.Open(s.spool)
	if err != nil {
		return err
	}
	s.file = f
	s.owned = true
	return nil
}
