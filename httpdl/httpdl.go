// Package httpdl is the default implementation of the HTTP download
// collaborator the transfer engine consumes (spec.md §6, "only its request
// /response and byte-delivery contract is consumed"). It issues Range
// requests and feeds the response body into a Sink, one Step() at a time so
// callers never block longer than a single read.
package httpdl

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// Request is everything needed to (re)issue the download.
type Request struct {
	URL    string
	Header http.Header
}

// Sink receives downloaded bytes sequentially. partialxfer adapts its
// *PartialFile to this interface with a small wrapper (pfSink).
type Sink interface {
	Write(p []byte) error
	Seek(offset int64) error
}

// StepResult reports what happened during one Step call.
type StepResult int

const (
	StepContinue StepResult = iota
	StepFinished
	StepFailedNetwork
	StepFailedOther
	StepAborted
)

var (
	// ErrRefused is returned by Begin when the server responded with a
	// status outside the 2xx range.
	ErrRefused = errors.New("httpdl: download request refused")
)

const readBufferSize = 64 * 1024

// Download tracks one in-flight HTTP GET.
type Download struct {
	client   *http.Client
	resp     *http.Response
	sink     Sink
	buf      []byte
	pos      int64
	aborted  bool
	finished bool
	lastErr  error
}

// Begin issues the GET (with a Range header when position or endRange is
// set) and points sink at position. endRange of -1 means unbounded.
func Begin(client *http.Client, req Request, sink Sink, position int64, endRange int64) (*Download, error) {
	if client == nil {
		client = http.DefaultClient
	}

	httpReq, err := http.NewRequest(http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if position != 0 || endRange >= 0 {
		if endRange >= 0 {
			httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", position, endRange))
		} else {
			httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", position))
		}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrRefused, resp.Status)
	}

	if err := sink.Seek(position); err != nil {
		resp.Body.Close()
		return nil, err
	}

	return &Download{
		client: client,
		resp:   resp,
		sink:   sink,
		buf:    make([]byte, readBufferSize),
		pos:    position,
	}, nil
}

// FileSize reports the total file size as understood from the response,
// whether or not the response was itself a Range response.
func (d *Download) FileSize() int64 {
	if d.resp.StatusCode == http.StatusPartialContent {
		if sz, ok := parseContentRangeSize(d.resp.Header.Get("Content-Range")); ok {
			return sz
		}
	}
	return d.resp.ContentLength
}

// Step reads and delivers one buffer's worth of data, or reports terminal
// status. It never blocks for longer than a single underlying Read.
func (d *Download) Step() StepResult {
	if d.finished {
		return StepFinished
	}
	if d.aborted {
		return StepAborted
	}

	n, err := d.resp.Body.Read(d.buf)
	if n > 0 {
		if werr := d.sink.Write(d.buf[:n]); werr != nil {
			d.lastErr = werr
			d.closeBody()
			return StepFailedOther
		}
		d.pos += int64(n)
	}

	if err == nil {
		return StepContinue
	}

	d.closeBody()
	if errors.Is(err, io.EOF) {
		d.finished = true
		return StepFinished
	}
	d.lastErr = err
	if isRecoverable(err) {
		return StepFailedNetwork
	}
	return StepFailedOther
}

// LastError returns the error that caused the most recent StepFailedNetwork
// or StepFailedOther result, or nil if Step has not failed.
func (d *Download) LastError() error { return d.lastErr }

// Abort cancels the in-flight request without reporting a failure status;
// used when a range jump tears down the request deliberately.
func (d *Download) Abort() {
	d.aborted = true
	d.closeBody()
}

// Close releases the underlying response body.
func (d *Download) Close() error {
	return d.closeBody()
}

func (d *Download) closeBody() error {
	if d.resp == nil {
		return nil
	}
	err := d.resp.Body.Close()
	d.resp = nil
	return err
}

func isRecoverable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe)
}

func parseContentRangeSize(header string) (int64, bool) {
	idx := strings.LastIndex(header, "/")
	if idx < 0 || idx+1 >= len(header) {
		return 0, false
	}
	sizeStr := header[idx+1:]
	if sizeStr == "*" {
		return 0, false
	}
	sz, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return sz, true
}
