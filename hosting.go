package vitals

import (
	"errors"
	"fmt"
	"net/url"
)

// HostingContext is a read-only snapshot of where a page was served from, captured at mount.
type HostingContext struct {
	Hostname string
	Pathname string
	Href     string
	Title    string
}

// NewHostingContext derives a HostingContext from the page URL and document title.
func NewHostingContext(href, title string) (HostingContext, error) {
	u, err := url.Parse(href)
	if err != nil {
		return HostingContext{}, fmt.Errorf("parse page URL: %w", err)
	}
	if u.Host == "" {
		return HostingContext{}, errors.New("page URL has no host")
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return HostingContext{
		Hostname: u.Hostname(),
		Pathname: path,
		Href:     href,
		Title:    title,
	}, nil
}
