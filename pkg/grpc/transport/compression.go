package transport

import (
	"io"
	"sync"

	"github.com/klauspost/compress/snappy"
	"google.golang.org/grpc/encoding"
)

// SnappyName is the name the snappy compressor is registered under. Clients
// select it with grpc.UseCompressor(SnappyName).
const SnappyName = "snappy"

func init() {
	encoding.RegisterCompressor(&snappyCompressor{})
}

type snappyCompressor struct {
	writers sync.Pool
	readers sync.Pool
}

type snappyWriter struct {
	*snappy.Writer
	pool *sync.Pool
}

func (w *snappyWriter) Close() error {
	defer w.pool.Put(w)
	return w.Writer.Close()
}

type snappyReader struct {
	*snappy.Reader
	pool *sync.Pool
}

func (r *snappyReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	if err == io.EOF {
		r.pool.Put(r)
	}
	return n, err
}

func (c *snappyCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	if sw, ok := c.writers.Get().(*snappyWriter); ok {
		sw.Reset(w)
		return sw, nil
	}
	return &snappyWriter{Writer: snappy.NewBufferedWriter(w), pool: &c.writers}, nil
}

func (c *snappyCompressor) Decompress(r io.Reader) (io.Reader, error) {
	if sr, ok := c.readers.Get().(*snappyReader); ok {
		sr.Reset(r)
		return sr, nil
	}
	return &snappyReader{Reader: snappy.NewReader(r), pool: &c.readers}, nil
}

func (c *snappyCompressor) Name() string {
	return SnappyName
}
