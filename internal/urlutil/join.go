package urlutil

import (
	"net/url"
	"path"
	"strings"
)

// JoinPath joins URL path segments onto base, handling slashes and keeping a
// trailing slash on the last segment.
func JoinPath(base string, paths ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}

	allPaths := append([]string{u.Path}, paths...)
	u.Path = path.Join(allPaths...)

	if len(paths) > 0 && strings.HasSuffix(paths[len(paths)-1], "/") {
		u.Path += "/"
	}

	return u.String(), nil
}

// Resolve turns a configured endpoint into an absolute URL. Absolute
// endpoints are used as-is; relative ones are joined onto base. Query
// parameters are merged into whatever the endpoint already carries.
func Resolve(base, endpoint string, query url.Values) (string, error) {
	ep, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}

	var u *url.URL
	if ep.IsAbs() {
		u = ep
	} else {
		joined, err := JoinPath(base, ep.Path)
		if err != nil {
			return "", err
		}
		u, err = url.Parse(joined)
		if err != nil {
			return "", err
		}
		u.RawQuery = ep.RawQuery
	}

	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

// MustResolve is like Resolve but panics on error (for use with validated config)
func MustResolve(base, endpoint string, query url.Values) string {
	result, err := Resolve(base, endpoint, query)
	if err != nil {
		panic(err)
	}
	return result
}
