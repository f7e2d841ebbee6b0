package markup

import (
	"bytes"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// item: 扁平化后的节（标题或块）。
// level 为 1..6 表示标题，0 表示块。markup 为回复原文切片。
type item struct {
	level  int
	label  string
	markup string
	text   string
}

var headingLevel = map[atom.Atom]int{
	atom.H1: 1, atom.H2: 2, atom.H3: 3, atom.H4: 4, atom.H5: 5, atom.H6: 6,
}

// 仅当内部含标题时才下钻的容器元素。
var containers = map[atom.Atom]bool{
	atom.Html: true, atom.Body: true, atom.Div: true, atom.Section: true,
	atom.Article: true, atom.Main: true, atom.Header: true, atom.Footer: true,
}

// 容器层级的行内元素与文本合并为一个块。
var inline = map[atom.Atom]bool{
	atom.A: true, atom.Abbr: true, atom.B: true, atom.Br: true, atom.Code: true,
	atom.Em: true, atom.I: true, atom.Img: true, atom.Kbd: true, atom.Mark: true,
	atom.Q: true, atom.S: true, atom.Small: true, atom.Span: true, atom.Strong: true,
	atom.Sub: true, atom.Sup: true, atom.U: true, atom.Time: true, atom.Var: true,
}

// 无结束标签的空元素。
var void = map[atom.Atom]bool{
	atom.Area: true, atom.Base: true, atom.Br: true, atom.Col: true, atom.Embed: true,
	atom.Hr: true, atom.Img: true, atom.Input: true, atom.Link: true, atom.Meta: true,
	atom.Source: true, atom.Track: true, atom.Wbr: true,
}

// 开启时隐式结束未闭合 <p> 的块级元素。
var closesP = map[atom.Atom]bool{
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.P: true, atom.Div: true, atom.Ul: true, atom.Ol: true, atom.Dl: true, atom.Table: true,
	atom.Pre: true, atom.Blockquote: true, atom.Section: true, atom.Article: true, atom.Hr: true,
	atom.Header: true, atom.Footer: true, atom.Main: true,
}

// node: 带源码偏移的轻量元素树节点；src[start:end] 即节点原文。
type node struct {
	tag      atom.Atom
	name     string
	text     bool
	data     string // 文本节点的反转义内容
	start    int
	end      int
	children []*node
}

// parse 以 tokenizer 构建节点树，保留每个节点在 src 中的字节区间。
func parse(src string) (*node, error) {
	root := &node{end: len(src)}
	stack := []*node{root}
	top := func() *node { return stack[len(stack)-1] }
	// closeTo 弹出 stack[i:]，未显式闭合的节点止于 at。
	closeTo := func(i, at int) {
		for j := len(stack) - 1; j >= i; j-- {
			if stack[j].end < 0 {
				stack[j].end = at
			}
		}
		stack = stack[:i]
	}

	z := html.NewTokenizer(strings.NewReader(src))
	off := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); err != io.EOF {
				return nil, err
			}
			break
		}
		raw := len(z.Raw())
		start := off
		off += raw
		switch tt {
		case html.TextToken:
			t := top()
			t.children = append(t.children, &node{text: true, data: string(z.Text()), start: start, end: off})
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			n := &node{tag: atom.Lookup(name), name: string(name), start: start, end: -1}
			if n.tag == atom.Li && top().tag == atom.Li {
				closeTo(len(stack)-1, start)
			} else if closesP[n.tag] && top().tag == atom.P {
				closeTo(len(stack)-1, start)
			}
			top().children = append(top().children, n)
			if tt == html.SelfClosingTagToken || void[n.tag] {
				n.end = off
				continue
			}
			stack = append(stack, n)
		case html.EndTagToken:
			name, _ := z.TagName()
			for i := len(stack) - 1; i > 0; i-- {
				if stack[i].name == string(name) {
					stack[i].end = off
					closeTo(i, start)
					break
				}
			}
		}
	}
	closeTo(1, len(src))
	return root, nil
}

type scanner struct {
	src   string
	items []item
	// 当前行内片段（原文区间与纯文本）
	runStart, runEnd int
	runText          strings.Builder
}

func (s *scanner) walk(n *node) {
	for _, c := range n.children {
		if c.text {
			if s.runEnd == s.runStart && strings.TrimSpace(c.data) == "" {
				continue
			}
			s.extend(c)
			s.runText.WriteString(c.data)
			continue
		}
		if c.tag == atom.Head {
			continue
		}
		if lv, ok := headingLevel[c.tag]; ok {
			s.flush()
			s.items = append(s.items, item{level: lv, label: plain(c), markup: s.raw(c), text: plain(c)})
			continue
		}
		if containers[c.tag] && hasHeading(c) {
			s.flush()
			s.walk(c)
			continue
		}
		if inline[c.tag] {
			s.extend(c)
			s.runText.WriteString(textOf(c))
			continue
		}
		s.flush()
		s.items = append(s.items, item{markup: s.raw(c), text: plain(c)})
	}
}

// extend 将节点并入当前行内片段；片段在原文中连续。
func (s *scanner) extend(c *node) {
	if s.runEnd == s.runStart {
		s.runStart = c.start
	}
	s.runEnd = c.end
}

// flush 将累积的行内片段输出为块。
func (s *scanner) flush() {
	if s.runEnd == s.runStart {
		return
	}
	txt := strings.TrimSpace(s.runText.String())
	mk := strings.TrimSpace(s.src[s.runStart:s.runEnd])
	s.runStart, s.runEnd = 0, 0
	s.runText.Reset()
	if txt == "" && mk == "" {
		return
	}
	s.items = append(s.items, item{markup: mk, text: txt})
}

func (s *scanner) raw(n *node) string { return strings.TrimSpace(s.src[n.start:n.end]) }

func hasHeading(n *node) bool {
	for _, c := range n.children {
		if c.text {
			continue
		}
		if _, ok := headingLevel[c.tag]; ok {
			return true
		}
		if hasHeading(c) {
			return true
		}
	}
	return false
}

func textOf(n *node) string {
	if n.text {
		return n.data
	}
	var b bytes.Buffer
	for _, c := range n.children {
		b.WriteString(textOf(c))
	}
	return b.String()
}

// plain 返回去除首尾空白的纯文本。
func plain(n *node) string { return strings.TrimSpace(textOf(n)) }
