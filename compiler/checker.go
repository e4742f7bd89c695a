package compiler

import (
	"fmt"
	"sort"
	"strings"
)

// symbol is one declaration of a local name. The checker keeps a flat table
// ordered by position; a use resolves to the closest preceding declaration.
type symbol struct {
	name string
	typ  *Type
	decl int
}

type checker struct {
	src     string
	toks    []Token
	decls   *Declarations
	diags   []Diagnostic
	symbols map[string][]*symbol
	refs    map[string]bool
	hasMain bool
}

func newChecker(src string, decls *Declarations) *checker {
	if decls == nil {
		decls = NewDeclarations()
	}
	return &checker{
		src:     src,
		toks:    Tokenize(src),
		decls:   decls,
		symbols: make(map[string][]*symbol),
		refs:    make(map[string]bool),
	}
}

func (c *checker) run() {
	c.checkModules()
	c.collectDeclarations()
	c.checkMemberCalls()
	c.checkNullDereferences()
	sortDiagnostics(c.diags)
}

func (c *checker) references() []string {
	out := make([]string, 0, len(c.refs))
	for r := range c.refs {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func (c *checker) report(code int, sev Severity, tok Token, format string, args ...any) {
	c.diags = append(c.diags, Diagnostic{
		Code:       code,
		Severity:   sev,
		Message:    fmt.Sprintf(format, args...),
		Line:       tok.Line,
		Column:     tok.Column,
		Suggestion: SuggestionFor(code),
	})
}

func (c *checker) tok(i int) Token {
	if i < 0 {
		return Token{Kind: TokenEOF}
	}
	if i >= len(c.toks) {
		return c.toks[len(c.toks)-1]
	}
	return c.toks[i]
}

// isMemberAccess reports whether token i is the property name of a member
// expression rather than a free identifier.
func (c *checker) isMemberAccess(i int) bool {
	prev := c.tok(i - 1)
	return prev.Is(".") || prev.Is("?.")
}

func (c *checker) checkModules() {
	for i, t := range c.toks {
		if t.Kind != TokenIdent || c.isMemberAccess(i) {
			continue
		}
		next := c.tok(i + 1)
		switch t.Text {
		case "import":
			if next.Is("(") || next.Kind == TokenString || next.Kind == TokenIdent || next.Is("{") || next.Is("*") {
				c.report(CodeModuleImport, SeverityError, t, "Module imports are not supported in guest code.")
			}
		case "require":
			if next.Is("(") {
				c.report(CodeModuleImport, SeverityError, t, "'require' is not available in guest code.")
			}
		}
	}
}

func (c *checker) declare(name string, typ *Type, at int) {
	if typ == nil {
		typ = Unknown
	}
	c.symbols[name] = append(c.symbols[name], &symbol{name: name, typ: typ, decl: at})
	if name == "main" {
		c.hasMain = true
	}
}

// resolveSymbol returns the closest declaration of name preceding token i.
func (c *checker) resolveSymbol(name string, i int) *symbol {
	var best *symbol
	for _, s := range c.symbols[name] {
		if s.decl < i {
			best = s
		}
	}
	return best
}

func (c *checker) collectDeclarations() {
	for i := 0; i < len(c.toks); i++ {
		t := c.toks[i]
		if t.Kind != TokenIdent || c.isMemberAccess(i) {
			continue
		}
		switch t.Text {
		case "const", "let", "var":
			c.variableDeclaration(i)
		case "function":
			c.functionDeclaration(i)
		}
	}
}

func (c *checker) variableDeclaration(i int) {
	nameTok := c.tok(i + 1)
	if nameTok.Kind != TokenIdent {
		return // destructuring patterns are left untyped
	}
	j := i + 2
	var annotated *Type
	if c.tok(j).Is(":") {
		end := c.typeEnd(j + 1)
		if end > j+1 {
			text := c.src[c.tok(j+1).Offset:c.tok(end).Offset]
			if t, err := ParseType(strings.TrimSpace(text)); err == nil {
				annotated = t
			}
		}
		j = end
	}
	var inferred *Type
	if c.tok(j).Is("=") {
		start := j + 1
		end := c.exprEnd(start)
		expr := c.toks[start:end]
		inferred = c.infer(expr, start)
		if annotated != nil && inferred.Kind != KindUnknown && !Assignable(inferred, annotated, c.decls.Resolve) {
			c.report(CodeNotAssignable, SeverityError, c.tok(start),
				"Type '%s' is not assignable to type '%s'.", inferred, annotated)
		}
		if c.isBareCapabilityCall(expr) && (annotated == nil || annotated.Kind != KindPromise) {
			c.report(CodeMissingAwait, SeverityWarning, c.tok(start),
				"'%s' holds a Promise returned by %s.%s.", nameTok.Text, expr[0].Text, expr[2].Text)
		}
	}
	typ := annotated
	if typ == nil {
		typ = inferred
	}
	c.declare(nameTok.Text, typ, i+1)
}

func (c *checker) functionDeclaration(i int) {
	j := i + 1
	if c.tok(j).Is("*") {
		j++
	}
	if c.tok(j).Kind == TokenIdent {
		c.declare(c.tok(j).Text, Unknown, j)
		j++
	}
	if !c.tok(j).Is("(") {
		return
	}
	closing := c.matching(j)
	for _, param := range c.splitTopLevel(j+1, closing) {
		if len(param) == 0 || param[0].Kind != TokenIdent {
			continue
		}
		name := param[0]
		var typ *Type
		k := 1
		if k < len(param) && param[k].Is("?") {
			k++
		}
		if k < len(param) && param[k].Is(":") {
			end := k + 1
			for end < len(param) && !param[end].Is("=") {
				end++
			}
			if end > k+1 {
				text := c.src[param[k+1].Offset : param[end-1].Offset+len(param[end-1].Text)]
				if t, err := ParseType(text); err == nil {
					typ = t
				}
			}
		}
		c.declare(name.Text, typ, indexOf(c.toks, name))
	}
}

func indexOf(toks []Token, t Token) int {
	for i := range toks {
		if toks[i].Offset == t.Offset {
			return i
		}
	}
	return -1
}

// checkMemberCalls validates every reference to a declared namespace member.
func (c *checker) checkMemberCalls() {
	for i := 0; i < len(c.toks); i++ {
		nsTok := c.toks[i]
		if nsTok.Kind != TokenIdent || c.isMemberAccess(i) {
			continue
		}
		if _, ok := c.decls.Namespaces[nsTok.Text]; !ok {
			continue
		}
		if c.resolveSymbol(nsTok.Text, i) != nil {
			continue // shadowed by a local declaration
		}
		dot, memberTok := c.tok(i+1), c.tok(i+2)
		if !(dot.Is(".") || dot.Is("?.")) || memberTok.Kind != TokenIdent {
			continue
		}
		sig, _, ok := c.decls.Lookup(nsTok.Text, memberTok.Text)
		if !ok {
			msg := fmt.Sprintf("Property '%s' does not exist on namespace '%s'.", memberTok.Text, nsTok.Text)
			if alt := closest(memberTok.Text, c.decls.MemberNames(nsTok.Text)); alt != "" {
				msg += fmt.Sprintf(" Did you mean '%s'?", alt)
			}
			c.diags = append(c.diags, Diagnostic{
				Code:       CodeUnknownMember,
				Severity:   SeverityError,
				Message:    msg,
				Line:       memberTok.Line,
				Column:     memberTok.Column,
				Suggestion: SuggestionFor(CodeUnknownMember),
			})
			continue
		}
		c.refs[nsTok.Text+"."+memberTok.Text] = true
		if !c.tok(i + 3).Is("(") {
			continue
		}
		closing := c.matching(i + 3)
		args := c.splitTopLevel(i+4, closing)
		c.checkArguments(nsTok.Text+"."+memberTok.Text, sig, args, c.tok(i+3))
		i += 2
	}
}

func (c *checker) checkArguments(name string, sig Signature, args [][]Token, open Token) {
	required := 0
	for _, p := range sig.Params {
		if !p.Optional {
			required++
		}
	}
	spread := false
	for _, a := range args {
		if len(a) > 0 && a[0].Is("...") {
			spread = true
		}
	}
	if !spread && (len(args) < required || len(args) > len(sig.Params)) {
		want := fmt.Sprintf("%d", required)
		if required != len(sig.Params) {
			want = fmt.Sprintf("%d-%d", required, len(sig.Params))
		}
		anchor := open
		if len(args) > len(sig.Params) && len(args[len(sig.Params)]) > 0 {
			anchor = args[len(sig.Params)][0]
		}
		c.report(CodeArgumentCount, SeverityError, anchor,
			"Expected %s arguments for %s, but got %d.", want, name, len(args))
	}
	for idx, arg := range args {
		if idx >= len(sig.Params) || len(arg) == 0 || spread {
			break
		}
		param := sig.Params[idx]
		got := c.infer(arg, indexOf(c.toks, arg[0]))
		if got.Kind == KindUnknown {
			continue
		}
		if !Assignable(got, param.Type, c.decls.Resolve) {
			c.report(CodeArgumentType, SeverityError, arg[0],
				"Argument of type '%s' is not assignable to parameter of type '%s'.", got, param.Type)
		}
	}
}

// checkNullDereferences reports property access on nullable locals that is
// not preceded by a guard.
func (c *checker) checkNullDereferences() {
	for name, decls := range c.symbols {
		for n, s := range decls {
			if !s.typ.Nullable() {
				continue
			}
			limit := len(c.toks)
			if n+1 < len(decls) {
				limit = decls[n+1].decl
			}
			for j := s.decl + 1; j < limit; j++ {
				t := c.toks[j]
				if t.Kind != TokenIdent || t.Text != name || c.isMemberAccess(j) {
					continue
				}
				next := c.tok(j + 1)
				if !next.Is(".") && !next.Is("[") {
					continue
				}
				if c.guarded(name, s.decl+1, j) {
					break
				}
				c.report(CodePossiblyNull, SeverityError, t, "'%s' is possibly 'null'.", name)
				break
			}
		}
	}
}

var guardFollowers = map[string]bool{
	"&&": true, "||": true, "??": true, "!=": true, "!==": true,
	"==": true, "===": true, "?": true, "=": true, "??=": true,
}

func (c *checker) guarded(name string, from, to int) bool {
	for k := from; k < to; k++ {
		t := c.toks[k]
		if t.Kind != TokenIdent || t.Text != name || c.isMemberAccess(k) {
			continue
		}
		prev, next := c.tok(k-1), c.tok(k+1)
		switch {
		case prev.Is("!"):
			return true
		case next.Kind == TokenPunct && guardFollowers[next.Text]:
			return true
		case prev.Is("(") && next.Is(")"):
			return true
		case (prev.Is("&&") || prev.Is("||")) && (next.Is(")") || next.Is("&&") || next.Is("||")):
			return true
		}
	}
	return false
}

// infer computes the static type of an expression when it can be proven.
func (c *checker) infer(ts []Token, at int) *Type {
	if len(ts) == 0 {
		return Unknown
	}
	if ts[0].Is("await") {
		return c.infer(ts[1:], at+1).Awaited()
	}
	last := len(ts) - 1
	if ts[0].Is("(") && c.matchingIn(ts, 0) == last {
		return c.infer(ts[1:last], at+1)
	}
	if len(ts) == 1 {
		return c.inferAtom(ts[0], at)
	}
	switch {
	case (ts[0].Is("-") || ts[0].Is("+")) && len(ts) == 2 && ts[1].Kind == TokenNumber:
		return Number
	case ts[0].Is("!"):
		return Boolean
	case ts[0].Is("typeof"):
		return String
	case ts[0].Is("[") && c.matchingIn(ts, 0) == last:
		return c.inferArray(ts[1:last], at+1)
	case ts[0].Is("{") && c.matchingIn(ts, 0) == last:
		return c.inferObject(ts[1:last], at+1)
	}
	if t := c.inferCall(ts); t != nil {
		return t
	}
	return c.inferBinary(ts, at)
}

func (c *checker) inferAtom(t Token, at int) *Type {
	switch t.Kind {
	case TokenString, TokenTemplate:
		return String
	case TokenNumber:
		return Number
	case TokenIdent:
		switch t.Text {
		case "true", "false":
			return Boolean
		case "null":
			return Null
		case "undefined":
			return Undefined
		}
		if s := c.resolveSymbol(t.Text, at); s != nil {
			return s.typ
		}
	}
	return Unknown
}

func (c *checker) inferArray(inner []Token, at int) *Type {
	elems := splitTokens(inner)
	if len(elems) == 0 || len(elems[0]) == 0 || elems[0][0].Is("...") {
		return ArrayOf(Unknown)
	}
	return ArrayOf(c.infer(elems[0], at))
}

func (c *checker) inferObject(inner []Token, at int) *Type {
	fields := make(map[string]Field)
	for _, entry := range splitTokens(inner) {
		if len(entry) == 0 {
			continue
		}
		key := entry[0]
		switch {
		case key.Is("..."), key.Is("["):
			return Object
		case len(entry) == 1 && key.Kind == TokenIdent:
			fields[key.Text] = Field{Type: c.inferAtom(key, at)}
		case len(entry) > 2 && entry[1].Is(":") && (key.Kind == TokenIdent || key.Kind == TokenString):
			fields[strings.Trim(key.Text, `"'`)] = Field{Type: c.infer(entry[2:], at)}
		default:
			return Object
		}
	}
	return &Type{Kind: KindObject, Fields: fields}
}

// inferCall types ns.member(...) calls on declared namespaces.
func (c *checker) inferCall(ts []Token) *Type {
	if len(ts) < 4 || ts[0].Kind != TokenIdent || !ts[1].Is(".") || ts[2].Kind != TokenIdent || !ts[3].Is("(") {
		return nil
	}
	if c.matchingIn(ts, 3) != len(ts)-1 {
		return nil
	}
	if c.resolveSymbol(ts[0].Text, indexOf(c.toks, ts[0])) != nil {
		return nil
	}
	sig, _, ok := c.decls.Lookup(ts[0].Text, ts[2].Text)
	if !ok {
		return nil
	}
	return sig.Returns
}

func (c *checker) isBareCapabilityCall(ts []Token) bool {
	return c.inferCall(ts) != nil
}

var comparisonOps = map[string]bool{
	"===": true, "!==": true, "==": true, "!=": true, "<": true, ">": true,
	"<=": true, ">=": true, "instanceof": true, "in": true,
}

var arithmeticOps = map[string]bool{"-": true, "*": true, "/": true, "%": true, "**": true}

func (c *checker) inferBinary(ts []Token, at int) *Type {
	depth := 0
	sawPlus, sawArith := false, false
	for _, t := range ts {
		if t.Kind == TokenPunct {
			switch t.Text {
			case "(", "[", "{":
				depth++
				continue
			case ")", "]", "}":
				depth--
				continue
			}
		}
		if depth != 0 {
			continue
		}
		switch {
		case t.Is("?"), t.Is("&&"), t.Is("||"), t.Is("??"), t.Is("=>"):
			return Unknown
		case comparisonOps[t.Text]:
			return Boolean
		case t.Is("+"):
			sawPlus = true
		case arithmeticOps[t.Text]:
			sawArith = true
		}
	}
	if sawPlus {
		for _, operand := range splitOn(ts, "+") {
			if c.infer(operand, at).Kind == KindString {
				return String
			}
		}
		return Unknown
	}
	if sawArith {
		return Number
	}
	return Unknown
}

// typeEnd returns the index of the token ending a type annotation that
// starts at i.
func (c *checker) typeEnd(i int) int {
	depth := 0
	for k := i; k < len(c.toks); k++ {
		t := c.toks[k]
		if t.Kind == TokenEOF {
			return k
		}
		if t.Kind != TokenPunct {
			continue
		}
		switch t.Text {
		case "(", "[", "{", "<":
			depth++
		case ")", "]", "}", ">":
			depth--
		case ">>":
			depth -= 2
		case "=", ";", ",":
			if depth <= 0 {
				return k
			}
		}
		if depth < 0 {
			return k
		}
	}
	return len(c.toks) - 1
}

// exprEnd returns the index one past the last token of the expression that
// starts at start, approximating automatic semicolon insertion.
func (c *checker) exprEnd(start int) int {
	depth := 0
	for k := start; k < len(c.toks); k++ {
		t := c.toks[k]
		if t.Kind == TokenEOF {
			return k
		}
		if k > start && depth == 0 && t.Newline && canEndExpression(c.toks[k-1]) && startsStatement(t) {
			return k
		}
		if t.Kind != TokenPunct {
			continue
		}
		switch t.Text {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			if depth == 0 {
				return k
			}
			depth--
		case ";", ",":
			if depth == 0 {
				return k
			}
		}
	}
	return len(c.toks) - 1
}

var operatorKeywords = map[string]bool{
	"await": true, "typeof": true, "new": true, "return": true, "void": true,
	"delete": true, "in": true, "instanceof": true, "of": true, "yield": true,
}

func canEndExpression(t Token) bool {
	switch t.Kind {
	case TokenNumber, TokenString, TokenTemplate, TokenRegexp:
		return true
	case TokenIdent:
		return !operatorKeywords[t.Text]
	case TokenPunct:
		return t.Text == ")" || t.Text == "]" || t.Text == "}"
	}
	return false
}

func startsStatement(t Token) bool {
	switch t.Kind {
	case TokenIdent, TokenNumber, TokenString, TokenTemplate:
		return !operatorKeywords[t.Text] || t.Text == "return" || t.Text == "await"
	}
	return false
}

// matching returns the index of the bracket closing the one at i.
func (c *checker) matching(i int) int {
	return c.matchingIn(c.toks, i)
}

func (c *checker) matchingIn(ts []Token, i int) int {
	depth := 0
	for k := i; k < len(ts); k++ {
		if ts[k].Kind != TokenPunct {
			continue
		}
		switch ts[k].Text {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			depth--
			if depth == 0 {
				return k
			}
		}
	}
	return len(ts) - 1
}

// splitTopLevel splits c.toks[from:to] on depth-zero commas.
func (c *checker) splitTopLevel(from, to int) [][]Token {
	if from >= to || to > len(c.toks) {
		return nil
	}
	return splitTokens(c.toks[from:to])
}

func splitTokens(ts []Token) [][]Token {
	return splitOn(ts, ",")
}

func splitOn(ts []Token, sep string) [][]Token {
	if len(ts) == 0 {
		return nil
	}
	var out [][]Token
	depth, start := 0, 0
	for k, t := range ts {
		if t.Kind != TokenPunct {
			continue
		}
		switch t.Text {
		case "(", "[", "{":
			depth++
		case ")", "]", "}":
			depth--
		case sep:
			if depth == 0 {
				out = append(out, ts[start:k])
				start = k + 1
			}
		}
	}
	if start < len(ts) {
		out = append(out, ts[start:])
	}
	return out
}

// closest returns the candidate with the smallest edit distance to name when
// that distance is small enough to be a plausible typo.
func closest(name string, candidates []string) string {
	best, bestDist := "", 3
	for _, cand := range candidates {
		if d := levenshtein(name, cand); d < bestDist {
			best, bestDist = cand, d
		}
	}
	return best
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
