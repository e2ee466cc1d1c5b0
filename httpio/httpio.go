// Package httpio is the HTTP collaborator the transfer engine drives per
// connection. It implements a non-blocking request lifecycle (prepare/post,
// then polled fields) over the standard library's net/http, since HTTP
// transport itself is not this package's concern to reimplement.
package httpio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// State is the transport-level state of one request, as seen by the
// scheduler each tick.
type State int

const (
	Ready State = iota
	Prepared
	Inflight
	Success
	Failure
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Prepared:
		return "PREPARED"
	case Inflight:
		return "INFLIGHT"
	case Success:
		return "SUCCESS"
	case Failure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

// Request is the collaborator contract for one HTTP
// connection: prepare sets headers/range, Post fires it asynchronously, and
// the remaining methods are polled by the scheduler each tick.
type Request interface {
	// Prepare sets the URL and byte range ([start,end)) for the next
	// request and moves the request to Prepared.
	Prepare(url string, start, end int64, isPut bool, body io.Reader) error

	// Post issues the prepared request on a background goroutine and moves
	// to Inflight. It must not block the caller.
	Post()

	Status() State
	HTTPStatus() int

	// BufPos is the number of response body bytes received so far.
	BufPos() int64

	// ContentLength is the server-declared body length, or -1 if unknown.
	ContentLength() int64

	// Bytes returns the response body bytes received so far, for GET and
	// PUT alike (a PUT's body carries the upload token or an error code).
	Bytes() []byte

	// LastData is the time data (or the response status line) was last
	// observed.
	LastData() time.Time

	// ContentType is the response Content-Type header, used to detect an
	// implicit HTTPS upgrade (text/html on an http:// URL).
	ContentType() string

	// TimeLeft is the server-supplied retry-after duration on a 509
	// response, or zero if the server did not supply one.
	TimeLeft() time.Duration

	// Err is set when Status() == Failure, which happens only on a
	// transport error. A response that arrives in full ends in Success
	// whatever its HTTP status; callers check HTTPStatus.
	Err() error

	// Close aborts any in-flight request and releases its connection.
	Close()
}

// HTTPClient is the collaborator used to issue requests; tests substitute a
// fake. The default is http.DefaultClient's Do method.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// request is the default Request implementation, backed by net/http.
type request struct {
	client HTTPClient

	mux         sync.Mutex
	status      State
	httpStatus  int
	buf         bytes.Buffer
	contentLen  int64
	lastData    time.Time
	contentType string
	timeLeft    time.Duration
	err         error

	url    string
	start  int64
	end    int64
	isPut  bool
	body   io.Reader

	cancel context.CancelFunc
}

// NewRequest returns a default, net/http-backed Request bound to client. If
// client is nil, http.DefaultClient is used.
func NewRequest(client HTTPClient) Request {
	if client == nil {
		client = http.DefaultClient
	}
	return &request{client: client, status: Ready}
}

func (r *request) Prepare(url string, start, end int64, isPut bool, body io.Reader) error {
	r.mux.Lock()
	defer r.mux.Unlock()

	if r.status == Inflight {
		return errors.Errorf("cannot prepare request while inflight")
	}

	r.url = url
	r.start = start
	r.end = end
	r.isPut = isPut
	r.body = body
	r.buf.Reset()
	r.contentLen = -1
	r.httpStatus = 0
	r.err = nil
	r.timeLeft = 0
	r.status = Prepared

	return nil
}

func (r *request) Post() {
	r.mux.Lock()
	if r.status != Prepared {
		r.mux.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.status = Inflight
	r.lastData = time.Now()
	url, start, end, isPut, body := r.url, r.start, r.end, r.isPut, r.body
	r.mux.Unlock()

	go r.do(ctx, url, start, end, isPut, body)
}

func (r *request) do(ctx context.Context, url string, start, end int64, isPut bool, body io.Reader) {
	method := http.MethodGet
	if isPut {
		method = http.MethodPut
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		r.fail(err)
		return
	}
	if !isPut && end > start {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.fail(err)
		return
	}
	defer resp.Body.Close()

	r.mux.Lock()
	r.httpStatus = resp.StatusCode
	r.contentType = resp.Header.Get("Content-Type")
	r.contentLen = resp.ContentLength
	if resp.StatusCode == 509 {
		if secs := resp.Header.Get("X-MEGA-Time-Left"); secs != "" {
			if n, convErr := strconv.Atoi(strings.TrimSpace(secs)); convErr == nil {
				r.timeLeft = time.Duration(n) * time.Second
			}
		}
	}
	r.mux.Unlock()

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			r.mux.Lock()
			r.buf.Write(buf[:n])
			r.lastData = time.Now()
			r.mux.Unlock()
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			r.fail(readErr)
			return
		}
	}

	r.mux.Lock()
	defer r.mux.Unlock()
	r.status = Success
	r.lastData = time.Now()
}

func (r *request) fail(err error) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.err = err
	r.status = Failure
	r.lastData = time.Now()
}

func (r *request) Status() State {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.status
}

func (r *request) HTTPStatus() int {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.httpStatus
}

func (r *request) BufPos() int64 {
	r.mux.Lock()
	defer r.mux.Unlock()
	return int64(r.buf.Len())
}

func (r *request) ContentLength() int64 {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.contentLen
}

func (r *request) Bytes() []byte {
	r.mux.Lock()
	defer r.mux.Unlock()
	out := make([]byte, r.buf.Len())
	copy(out, r.buf.Bytes())
	return out
}

func (r *request) LastData() time.Time {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.lastData
}

func (r *request) ContentType() string {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.contentType
}

func (r *request) TimeLeft() time.Duration {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.timeLeft
}

func (r *request) Err() error {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.err
}

func (r *request) Close() {
	r.mux.Lock()
	cancel := r.cancel
	r.status = Ready
	r.mux.Unlock()
	if cancel != nil {
		cancel()
	}
}

// AltPort rewrites url to use the alternative port (:8080), used when the
// client's usealt{down,up}port flag is set. Only plain http:// URLs are
// rewritten.
func AltPort(url string) string {
	const scheme = "http://"
	if !strings.HasPrefix(url, scheme) {
		return url
	}
	rest := url[len(scheme):]
	slash := strings.IndexByte(rest, '/')
	host := rest
	path := ""
	if slash >= 0 {
		host = rest[:slash]
		path = rest[slash:]
	}
	if strings.Contains(host, ":8080") {
		return url
	}
	return scheme + host + ":8080" + path
}

// UpgradeToHTTPS rewrites a plain http:// URL to https://, used when a
// text/html response on an http:// URL signals the storage node requires an
// implicit HTTPS upgrade.
func UpgradeToHTTPS(url string) string {
	const scheme = "http://"
	if !strings.HasPrefix(url, scheme) {
		return url
	}
	return "https://" + url[len(scheme):]
}
