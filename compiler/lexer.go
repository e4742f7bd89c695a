package compiler

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// TokenKind classifies a lexical token of the guest dialect.
type TokenKind int

const (
	TokenIdent TokenKind = iota
	TokenNumber
	TokenString
	TokenTemplate
	TokenRegexp
	TokenPunct
	TokenEOF
)

// Token is a single lexical token. Line and Column are 1-based and refer to
// the original source text.
type Token struct {
	Kind    TokenKind
	Text    string
	Offset  int
	Line    int
	Column  int
	Newline bool // first token on its line
}

// Is reports whether the token is the given punctuator or identifier text.
func (t Token) Is(text string) bool {
	return (t.Kind == TokenPunct || t.Kind == TokenIdent) && t.Text == text
}

// punctuators ordered longest first so the lexer can match greedily.
var punctuators = []string{
	">>>=", "...", "===", "!==", "**=", "<<=", ">>=", ">>>", "&&=", "||=", "??=",
	"=>", "==", "!=", "<=", ">=", "&&", "||", "??", "?.", "++", "--", "+=", "-=",
	"*=", "/=", "%=", "&=", "|=", "^=", "**", "<<", ">>",
	"{", "}", "(", ")", "[", "]", ";", ",", "<", ">", "+", "-", "*", "/", "%",
	"&", "|", "^", "!", "~", "?", ":", "=", ".", "@", "#",
}

// keywords after which a slash starts a regular expression literal.
var regexpPreceders = map[string]bool{
	"return": true, "typeof": true, "instanceof": true, "in": true, "of": true,
	"new": true, "delete": true, "void": true, "throw": true, "case": true,
	"do": true, "else": true, "await": true, "yield": true,
}

type lexer struct {
	src     string
	pos     int
	line    int
	col     int
	tokens  []Token
	newline bool
}

// Tokenize splits source into tokens. It is tolerant: malformed input never
// fails here, syntax errors are reported by the transpiler.
func Tokenize(src string) []Token {
	lx := &lexer{src: src, line: 1, col: 1, newline: true}
	lx.run()
	return lx.tokens
}

func (lx *lexer) run() {
	for {
		lx.skipTrivia()
		if lx.pos >= len(lx.src) {
			lx.emit(TokenEOF, lx.pos, lx.line, lx.col)
			return
		}
		start, line, col := lx.pos, lx.line, lx.col
		c := lx.src[lx.pos]
		switch {
		case c == '"' || c == '\'':
			lx.scanString(c)
			lx.emit(TokenString, start, line, col)
		case c == '`':
			lx.scanTemplate()
			lx.emit(TokenTemplate, start, line, col)
		case isDigit(c) || (c == '.' && lx.pos+1 < len(lx.src) && isDigit(lx.src[lx.pos+1])):
			lx.scanNumber()
			lx.emit(TokenNumber, start, line, col)
		case isIdentStart(lx.peekRune()):
			lx.scanIdent()
			lx.emit(TokenIdent, start, line, col)
		case c == '/' && lx.regexpAllowed():
			lx.scanRegexp()
			lx.emit(TokenRegexp, start, line, col)
		default:
			lx.scanPunct()
			lx.emit(TokenPunct, start, line, col)
		}
	}
}

func (lx *lexer) emit(kind TokenKind, start, line, col int) {
	lx.tokens = append(lx.tokens, Token{
		Kind:    kind,
		Text:    lx.src[start:lx.pos],
		Offset:  start,
		Line:    line,
		Column:  col,
		Newline: lx.newline,
	})
	lx.newline = false
}

func (lx *lexer) peekRune() rune {
	r, _ := utf8.DecodeRuneInString(lx.src[lx.pos:])
	return r
}

func (lx *lexer) advance() {
	r, size := utf8.DecodeRuneInString(lx.src[lx.pos:])
	lx.pos += size
	if r == '\n' {
		lx.line++
		lx.col = 1
		lx.newline = true
		return
	}
	lx.col++
}

func (lx *lexer) skipTrivia() {
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '\f' || c == '\v':
			lx.advance()
		case strings.HasPrefix(lx.src[lx.pos:], "//"):
			for lx.pos < len(lx.src) && lx.src[lx.pos] != '\n' {
				lx.advance()
			}
		case strings.HasPrefix(lx.src[lx.pos:], "/*"):
			lx.advance()
			lx.advance()
			for lx.pos < len(lx.src) && !strings.HasPrefix(lx.src[lx.pos:], "*/") {
				lx.advance()
			}
			if lx.pos < len(lx.src) {
				lx.advance()
				lx.advance()
			}
		default:
			if unicode.IsSpace(lx.peekRune()) {
				lx.advance()
				continue
			}
			return
		}
	}
}

func (lx *lexer) scanString(quote byte) {
	lx.advance()
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		if c == '\\' {
			lx.advance()
			if lx.pos < len(lx.src) {
				lx.advance()
			}
			continue
		}
		if c == '\n' {
			return
		}
		lx.advance()
		if c == quote {
			return
		}
	}
}

// scanTemplate consumes a whole template literal, including nested
// substitutions, as one token.
func (lx *lexer) scanTemplate() {
	lx.advance()
	depth := 0
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case c == '\\':
			lx.advance()
			if lx.pos < len(lx.src) {
				lx.advance()
			}
			continue
		case depth == 0 && c == '`':
			lx.advance()
			return
		case depth == 0 && strings.HasPrefix(lx.src[lx.pos:], "${"):
			depth++
			lx.advance()
		case depth > 0 && c == '{':
			depth++
		case depth > 0 && c == '}':
			depth--
		case depth > 0 && (c == '"' || c == '\''):
			lx.scanString(c)
			continue
		case depth > 0 && c == '`':
			lx.scanTemplate()
			continue
		}
		lx.advance()
	}
}

func (lx *lexer) scanNumber() {
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		if isDigit(c) || c == '.' || c == '_' || c == 'x' || c == 'X' || c == 'n' ||
			(c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			lx.advance()
			continue
		}
		if (c == '+' || c == '-') && lx.pos > 0 && (lx.src[lx.pos-1] == 'e' || lx.src[lx.pos-1] == 'E') {
			lx.advance()
			continue
		}
		return
	}
}

func (lx *lexer) scanIdent() {
	for lx.pos < len(lx.src) {
		r := lx.peekRune()
		if !isIdentPart(r) {
			return
		}
		lx.advance()
	}
}

func (lx *lexer) scanRegexp() {
	lx.advance()
	inClass := false
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		if c == '\n' {
			return
		}
		if c == '\\' {
			lx.advance()
			if lx.pos < len(lx.src) {
				lx.advance()
			}
			continue
		}
		lx.advance()
		switch {
		case c == '[':
			inClass = true
		case c == ']':
			inClass = false
		case c == '/' && !inClass:
			for lx.pos < len(lx.src) && isIdentPart(lx.peekRune()) {
				lx.advance()
			}
			return
		}
	}
}

func (lx *lexer) scanPunct() {
	rest := lx.src[lx.pos:]
	for _, p := range punctuators {
		if strings.HasPrefix(rest, p) {
			// "?." followed by a digit is a conditional, not optional chaining.
			if p == "?." && len(rest) > 2 && isDigit(rest[2]) {
				continue
			}
			for range p {
				lx.advance()
			}
			return
		}
	}
	lx.advance()
}

func (lx *lexer) regexpAllowed() bool {
	if len(lx.tokens) == 0 {
		return true
	}
	prev := lx.tokens[len(lx.tokens)-1]
	switch prev.Kind {
	case TokenNumber, TokenString, TokenTemplate, TokenRegexp:
		return false
	case TokenIdent:
		return regexpPreceders[prev.Text]
	case TokenPunct:
		return prev.Text != ")" && prev.Text != "]" && prev.Text != "}"
	}
	return true
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(r rune) bool {
	return r == '_' || r == '$' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || unicode.IsDigit(r) || r == '\u200c' || r == '\u200d'
}
