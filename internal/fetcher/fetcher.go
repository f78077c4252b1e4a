package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"

	"github.com/rotisserie/eris"
)

// Fetcher downloads remote AOI sources.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// Router dispatches a URL to the fetcher registered for its scheme.
type Router struct {
	HTTP Fetcher
	FTP  Fetcher
}

// NewRouter returns a Router with default HTTP and FTP fetchers.
func NewRouter() *Router {
	return &Router{
		HTTP: NewHTTPFetcher(HTTPOptions{}),
		FTP:  NewFTPFetcher(FTPOptions{}),
	}
}

// IsRemote reports whether src is a URL this package can fetch.
func IsRemote(src string) bool {
	u, err := url.Parse(src)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "ftp":
		return true
	}
	return false
}

func (r *Router) pick(rawURL string) (Fetcher, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: parse url")
	}
	switch u.Scheme {
	case "http", "https":
		if r.HTTP != nil {
			return r.HTTP, nil
		}
	case "ftp":
		if r.FTP != nil {
			return r.FTP, nil
		}
	}
	return nil, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
}

// Download fetches the URL with the fetcher for its scheme.
func (r *Router) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	f, err := r.pick(rawURL)
	if err != nil {
		return nil, err
	}
	return f.Download(ctx, rawURL)
}

// DownloadToFile fetches the URL to path with the fetcher for its scheme.
func (r *Router) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	f, err := r.pick(rawURL)
	if err != nil {
		return 0, err
	}
	return f.DownloadToFile(ctx, rawURL, path)
}

func copyToFile(rc io.ReadCloser, path string) (int64, error) {
	defer rc.Close() //nolint:errcheck

	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "create file")
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, rc)
	if err != nil {
		return n, eris.Wrap(err, "write file")
	}
	return n, nil
}
