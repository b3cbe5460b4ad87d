package render

import (
	"bytes"
	"io"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// linkNamespace seeds the deterministic ids of tracked links.
var linkNamespace = uuid.MustParse("6f1c1a52-2a7e-4f0e-9a39-1c8d0e7c2b10")

type linkRewriter struct {
	emailID      string
	refSource    string
	trackingBase string
	memberTag    string
}

// LinkID returns the stable id of url within an email.
func LinkID(emailID, rawURL string) string {
	return uuid.NewSHA1(linkNamespace, []byte(emailID+"|"+rawURL)).String()
}

func (w linkRewriter) rewrite(href string) string {
	trimmed := strings.TrimSpace(href)
	parsed, err := url.Parse(trimmed)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return href
	}
	if strings.Contains(parsed.Path, "/unsubscribe") {
		return href
	}

	if w.refSource != "" {
		query := parsed.Query()
		if query.Get("ref") == "" {
			query.Set("ref", w.refSource)
			parsed.RawQuery = query.Encode()
		}
	}
	target := parsed.String()

	if w.trackingBase == "" {
		return target
	}

	// The member placeholder must survive verbatim, so the query is built by hand.
	return w.trackingBase + "/r/" + LinkID(w.emailID, target) +
		"?m=" + w.memberTag + "&u=" + url.QueryEscape(target)
}

// rewriteLinks applies attribution and click tracking to every anchor.
func rewriteLinks(doc string, w linkRewriter) (string, error) {
	if w.refSource == "" && w.trackingBase == "" {
		return doc, nil
	}

	var out bytes.Buffer
	out.Grow(len(doc) + len(doc)/8)

	z := html.NewTokenizer(strings.NewReader(doc))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); err != io.EOF {
				return "", err
			}
			return out.String(), nil
		}

		raw := append([]byte(nil), z.Raw()...)
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			out.Write(raw)
			continue
		}

		token := z.Token()
		if token.DataAtom != atom.A {
			out.Write(raw)
			continue
		}

		changed := false
		for i, attr := range token.Attr {
			if attr.Key != "href" {
				continue
			}
			if rewritten := w.rewrite(attr.Val); rewritten != attr.Val {
				token.Attr[i].Val = rewritten
				changed = true
			}
		}
		if !changed {
			out.Write(raw)
			continue
		}
		out.WriteString(token.String())
	}
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.H1: true, atom.H2: true,
	atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true, atom.Li: true,
	atom.Tr: true, atom.Blockquote: true, atom.Hr: true, atom.Table: true,
}

// htmlToText derives the plaintext part. Links keep their target in brackets.
func htmlToText(doc string) string {
	var out strings.Builder
	var href string
	skip := 0

	z := html.NewTokenizer(strings.NewReader(doc))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return collapseBlankLines(out.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			token := z.Token()
			switch {
			case token.DataAtom == atom.Style || token.DataAtom == atom.Script || token.DataAtom == atom.Head:
				if tt == html.StartTagToken {
					skip++
				}
			case token.DataAtom == atom.A:
				href = ""
				for _, attr := range token.Attr {
					if attr.Key == "href" {
						href = attr.Val
					}
				}
			case blockElements[token.DataAtom]:
				out.WriteString("\n")
			}
		case html.EndTagToken:
			token := z.Token()
			switch {
			case token.DataAtom == atom.Style || token.DataAtom == atom.Script || token.DataAtom == atom.Head:
				if skip > 0 {
					skip--
				}
			case token.DataAtom == atom.A:
				if href != "" && skip == 0 {
					out.WriteString(" [" + href + "]")
				}
				href = ""
			case blockElements[token.DataAtom]:
				out.WriteString("\n")
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			text := strings.Join(strings.Fields(string(z.Text())), " ")
			if text == "" {
				continue
			}
			if out.Len() > 0 {
				last := out.String()[out.Len()-1]
				if last != '\n' && last != ' ' {
					out.WriteByte(' ')
				}
			}
			out.WriteString(text)
		}
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	kept := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			if !blank && len(kept) > 0 {
				kept = append(kept, "")
			}
			blank = true
			continue
		}
		blank = false
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
