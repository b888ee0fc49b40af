package auth

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

type digestAlgorithm int

const (
	algorithmMD5 digestAlgorithm = iota
	algorithmMD5Sess
)

type qop int

const (
	qopNone qop = iota
	qopAuth
	qopAuthInt
)

func (q qop) String() string {
	switch q {
	case qopAuth:
		return "auth"
	case qopAuthInt:
		return "auth-int"
	}
	return ""
}

// authIntBodyHash stands in for H(entity-body); request bodies are not hashed.
const authIntBodyHash = "00000000000000000000000000000000"

type digest struct {
	realm     string
	nonce     string
	opaque    string
	domain    string
	algorithm digestAlgorithm
	qop       qop

	user   string
	hexURP string
	hexA1  string
	cnonce string
	nc     uint32
}

var newCnonce = func() string {
	var b [16]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func (d *digest) update(params map[string]string) bool {
	switch alg := params["algorithm"]; {
	case alg == "" || strings.EqualFold(alg, "MD5"):
		d.algorithm = algorithmMD5
	case strings.EqualFold(alg, "MD5-sess"):
		d.algorithm = algorithmMD5Sess
	default:
		return false
	}

	d.qop = qopNone
	if offered, ok := params["qop"]; ok {
		for _, opt := range strings.Split(offered, ",") {
			switch strings.ToLower(strings.TrimSpace(opt)) {
			case "auth":
				d.qop = qopAuth
			case "auth-int":
				if d.qop == qopNone {
					d.qop = qopAuthInt
				}
			}
		}
		if d.qop == qopNone {
			return false
		}
	}

	nonce, ok := params["nonce"]
	if !ok {
		return false
	}
	d.nonce = nonce
	d.opaque = params["opaque"]
	d.domain = params["domain"]
	d.cnonce = newCnonce()
	d.computeA1()
	return true
}

func (d *digest) authenticate(user, password string) {
	d.user = user
	d.hexURP = md5Hex(user + ":" + d.realm + ":" + password)
	d.computeA1()
}

func (d *digest) forget() {
	d.hexURP = ""
	d.hexA1 = ""
}

func (d *digest) computeA1() {
	if d.hexURP == "" {
		return
	}
	d.hexA1 = digestA1(d.algorithm, d.hexURP, d.nonce, d.cnonce)
}

func (d *digest) authorization(method, uri string) string {
	d.nc++
	response := digestResponse(d.hexA1, d.nonce, d.nc, d.cnonce, d.qop, method, uri)

	var b strings.Builder
	fmt.Fprintf(&b, "Digest username=%s, realm=%s, nonce=%s, uri=%s, response=%s",
		quote(d.user), quote(d.realm), quote(d.nonce), quote(uri), quote(response))
	if d.algorithm == algorithmMD5Sess {
		b.WriteString(", algorithm=MD5-sess")
	} else {
		b.WriteString(", algorithm=MD5")
	}
	if d.opaque != "" {
		fmt.Fprintf(&b, ", opaque=%s", quote(d.opaque))
	}
	if d.qop != qopNone {
		fmt.Fprintf(&b, ", qop=%s, nc=%08x, cnonce=%s", d.qop, d.nc, quote(d.cnonce))
	}
	return b.String()
}

// protectionSpace returns the paths named by the domain directive that
// belong to the challenging server, or the whole server when it is absent.
func (d *digest) protectionSpace(source *url.URL) []string {
	if d.domain == "" {
		return []string{"/"}
	}
	var space []string
	for _, item := range strings.Fields(d.domain) {
		u, err := url.Parse(item)
		if err != nil {
			continue
		}
		if u.IsAbs() {
			if !sameOrigin(u, source) {
				continue
			}
		} else if u.Host != "" {
			continue
		}
		p := u.Path
		if p == "" {
			p = "/"
		}
		space = append(space, p)
	}
	if len(space) == 0 {
		space = append(space, dirOf(source.Path))
	}
	return space
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		portOf(a) == portOf(b)
}

func portOf(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if strings.EqualFold(u.Scheme, "https") {
		return "443"
	}
	return "80"
}

func digestA1(alg digestAlgorithm, hexURP, nonce, cnonce string) string {
	if alg == algorithmMD5Sess {
		return md5Hex(hexURP + ":" + nonce + ":" + cnonce)
	}
	return hexURP
}

func digestResponse(hexA1, nonce string, nc uint32, cnonce string, q qop, method, uri string) string {
	a2 := method + ":" + uri
	if q == qopAuthInt {
		a2 += ":" + authIntBodyHash
	}
	hexA2 := md5Hex(a2)
	if q == qopNone {
		return md5Hex(hexA1 + ":" + nonce + ":" + hexA2)
	}
	return md5Hex(fmt.Sprintf("%s:%s:%08x:%s:%s:%s", hexA1, nonce, nc, cnonce, q, hexA2))
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func quote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}
