package auth

import (
	"encoding/base64"
	"net/url"
)

type basic struct {
	token string
}

func (b *basic) update(params map[string]string) bool { return true }

func (b *basic) authenticate(user, password string) {
	b.token = base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
}

func (b *basic) forget() { b.token = "" }

func (b *basic) authorization(method, uri string) string {
	return "Basic " + b.token
}

func (b *basic) protectionSpace(source *url.URL) []string {
	path := source.Path
	if path == "" {
		path = "/"
	}
	return []string{dirOf(path)}
}
