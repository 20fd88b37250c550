package webmail

import (
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var requestTokenRE = regexp.MustCompile(`"request_token"\s*:\s*"([^"]+)"`)

// loginPage is what the parser extracts from a webmail page.
type loginPage struct {
	// token is the CSRF token of the login form, empty if none.
	token string
	// hasLoginForm is true when the page asks for a password.
	hasLoginForm bool
}

// parseLoginPage walks the HTML looking for the login form's hidden
// _token input and the _pass password field.
func parseLoginPage(r io.Reader) (loginPage, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return loginPage{}, err
	}
	var page loginPage
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "input" {
			name := attr(n, "name")
			switch {
			case name == "_token" && page.token == "":
				page.token = attr(n, "value")
			case name == "_pass":
				page.hasLoginForm = true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return page, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

// requestToken extracts the request token embedded in the mail page's
// client environment.
func requestToken(body string) string {
	m := requestTokenRE.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return m[1]
}
