package cst

import (
	"fmt"
	"strings"

	"github.com/forgebuild/forge/internal/lexer"
)

// parser walks raw source lines, joining backslash-continued lines
// into one logical statement before tokenizing it — the same
// line-join-then-dispatch shape as the teacher's parse.go, adapted
// from Make's one-rule-per-line grammar to BitBake's
// assignment/inherit/addtask/shell-function grammar.
type parser struct {
	lines []string
	pos   int // 0-based index into lines of the next unconsumed line
	diags []Diagnostic
}

// Parse scans src into a File. It never returns an error: unparsable
// statements become ErrorNode entries instead, so one bad line never
// blocks parsing the rest of the file (spec §7).
func Parse(src string) *File {
	// Normalize line endings and strip a trailing blank entry produced
	// by a final newline, matching strings.Split's usual off-by-one.
	src = strings.ReplaceAll(src, "\r\n", "\n")
	lines := strings.Split(src, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	p := &parser{lines: lines}
	f := &File{}
	for p.pos < len(p.lines) {
		n := p.parseStatement()
		if n != nil {
			f.Stmts = append(f.Stmts, n)
		}
	}
	f.Diagnostics = p.diags
	return f
}

func (p *parser) diag(line int, format string, args ...any) {
	p.diags = append(p.diags, Diagnostic{Line: line, Msg: fmt.Sprintf(format, args...)})
}

func (p *parser) parseStatement() Node {
	startIdx := p.pos
	raw := p.lines[p.pos]
	trimmed := strings.TrimSpace(raw)

	if trimmed == "" {
		p.pos++
		return nil
	}
	if strings.HasPrefix(trimmed, "#") {
		p.pos++
		return nil
	}

	headLine := startIdx + 1

	// Multi-line shell/python function body: "name [()] {" possibly
	// with nothing after the brace, body lines follow, terminated by a
	// line whose trimmed text is exactly "}".
	if strings.HasSuffix(trimmed, "{") {
		head := strings.TrimSpace(strings.TrimSuffix(trimmed, "{"))
		if looksLikeFuncHead(head) {
			return p.parseFuncBody(head, headLine)
		}
	}

	// Join backslash continuations into one logical statement.
	var b strings.Builder
	b.WriteString(raw)
	for strings.HasSuffix(strings.TrimRight(raw, " \t"), "\\") && !strings.HasSuffix(strings.TrimRight(raw, " \t"), "\\\\") {
		p.pos++
		if p.pos >= len(p.lines) {
			break
		}
		// drop trailing backslash, keep a newline so multi-line values
		// (e.g. SRC_URI lists) stay readable once unquoted.
		s := b.String()
		trimmedRight := strings.TrimRight(s, " \t")
		b.Reset()
		b.WriteString(strings.TrimSuffix(trimmedRight, "\\"))
		b.WriteString("\n")
		raw = p.lines[p.pos]
		b.WriteString(raw)
	}
	p.pos++
	stmtText := b.String()

	return p.dispatch(stmtText, headLine)
}

// looksLikeFuncHead reports whether head (the text before a trailing
// "{") is a python/shell function header rather than e.g. a
// conditional or other brace use this grammar doesn't support.
func looksLikeFuncHead(head string) bool {
	if head == "" {
		return false
	}
	fields := strings.Fields(head)
	if len(fields) == 0 {
		return false
	}
	if fields[0] == "python" {
		return true
	}
	// NAME or NAME() or NAME ()
	name := strings.TrimSuffix(strings.Join(fields, ""), "()")
	return isPlainIdent(name)
}

func isPlainIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		ok := c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if !ok {
			return false
		}
	}
	return true
}

// parseFuncBody consumes raw lines from p.pos+1 up to and including a
// line that is exactly "}" (ignoring surrounding whitespace), and
// returns a PythonDef or ShellFuncDef depending on head.
func (p *parser) parseFuncBody(head string, headLine int) Node {
	fields := strings.Fields(head)
	isPython := len(fields) > 0 && fields[0] == "python"
	name := ""
	if isPython && len(fields) > 1 {
		name = strings.TrimSuffix(fields[1], "()")
	} else if !isPython {
		name = strings.TrimSuffix(fields[0], "()")
	}

	p.pos++ // consume the header line
	var bodyLines []string
	closed := false
	for p.pos < len(p.lines) {
		line := p.lines[p.pos]
		if strings.TrimSpace(line) == "}" {
			p.pos++
			closed = true
			break
		}
		bodyLines = append(bodyLines, line)
		p.pos++
	}
	if !closed {
		p.diag(headLine, "unterminated function body starting at %q", head)
	}
	body := strings.Join(bodyLines, "\n")
	if isPython {
		return PythonDef{Name: name, Body: body, Line: headLine}
	}
	return ShellFuncDef{Name: name, Body: body, Line: headLine}
}

// dispatch tokenizes a fully-joined logical statement and decides
// which Node shape it is.
func (p *parser) dispatch(stmtText string, line int) Node {
	toks := significantTokens(stmtText)
	if len(toks) == 0 {
		return nil
	}

	switch toks[0].Kind {
	case lexer.KwInherit:
		return Inherit{Classes: identTexts(toks[1:]), Line: line}
	case lexer.KwInclude:
		return Include{Path: strings.TrimSpace(afterFirstWord(stmtText)), Line: line}
	case lexer.KwRequire:
		return Include{Path: strings.TrimSpace(afterFirstWord(stmtText)), Required: true, Line: line}
	case lexer.KwExportFuncs:
		return ExportFuncs{Funcs: identTexts(toks[1:]), Line: line}
	case lexer.KwAddtask:
		return p.parseAddTask(toks, line)
	}

	if n, ok := p.parseAssignment(toks, stmtText, line); ok {
		return n
	}

	return ErrorNode{Text: stmtText, Msg: "unrecognized statement", Line: line}
}

func (p *parser) parseAddTask(toks []lexer.Token, line int) Node {
	if len(toks) < 2 || toks[1].Kind != lexer.Ident {
		p.diag(line, "addtask: missing task name")
		return ErrorNode{Text: joinTokenText(toks), Msg: "addtask: missing task name", Line: line}
	}
	at := AddTask{Name: toks[1].Text, Line: line}
	i := 2
	for i < len(toks) {
		switch toks[i].Kind {
		case lexer.KwAfter:
			i++
			for i < len(toks) && toks[i].Kind == lexer.Ident {
				at.After = append(at.After, toks[i].Text)
				i++
			}
		case lexer.KwBefore:
			i++
			for i < len(toks) && toks[i].Kind == lexer.Ident {
				at.Before = append(at.Before, toks[i].Text)
				i++
			}
		default:
			i++
		}
	}
	return at
}

// parseAssignment handles:
//
//	[export] NAME[:override]*[ [flag] ] OP value
//
// stmtText is the exact text that was tokenized to produce toks, so
// opTok.Pos indexes directly into it when slicing out the raw value.
func (p *parser) parseAssignment(toks []lexer.Token, stmtText string, line int) (Node, bool) {
	i := 0
	export := false
	if toks[i].Kind == lexer.KwExport {
		export = true
		i++
	}
	if i >= len(toks) || toks[i].Kind != lexer.Ident {
		return nil, false
	}
	name := toks[i].Text
	i++

	var overrides []string
	for i+1 < len(toks) && toks[i].Kind == lexer.Colon && toks[i+1].Kind == lexer.Ident {
		overrides = append(overrides, toks[i+1].Text)
		i += 2
	}

	var flag *string
	if i+2 < len(toks) && toks[i].Kind == lexer.LBracket && toks[i+1].Kind == lexer.Ident && toks[i+2].Kind == lexer.RBracket {
		f := toks[i+1].Text
		flag = &f
		i += 3
	}

	if i >= len(toks) {
		if export {
			// "export NAME" with no assignment: treat as a no-op
			// Assignment whose value passes through the current value,
			// represented with OpCondSetDefault-like semantics deferred
			// to the evaluator (it simply marks NAME exported).
			return Assignment{Name: name, Export: true, Op: OpSet, Value: "", Line: line}, true
		}
		return nil, false
	}

	op, ok := assignOpFromToken(toks[i].Kind)
	if !ok {
		return nil, false
	}
	opTok := toks[i]

	valueStart := opTok.Pos + len(opTok.Text)
	value := ""
	if valueStart <= len(stmtText) {
		value = strings.TrimSpace(stmtText[valueStart:])
	}
	value = stripQuotes(value)

	return Assignment{
		Name:      name,
		Overrides: overrides,
		Flag:      flag,
		Export:    export,
		Op:        op,
		Value:     value,
		Line:      line,
	}, true
}

// significantTokens tokenizes stmtText and drops trivia (whitespace,
// newlines from continuation joins, comments), keeping the original
// Pos offsets so callers can still slice the untokenized text for raw
// value extraction.
func significantTokens(stmtText string) []lexer.Token {
	all := lexer.Tokenize(stmtText)
	out := make([]lexer.Token, 0, len(all))
	for _, t := range all {
		if t.Kind == lexer.EOF || t.IsTrivia() {
			continue
		}
		out = append(out, t)
	}
	return out
}

// joinTokenText is only used to recover the original text span for
// diagnostics/value-slicing; since token Pos values index into the
// same original string, callers needing the full string should prefer
// keeping a reference to it directly. This helper exists for the
// error-path cases where only tokens are on hand.
func joinTokenText(toks []lexer.Token) string {
	// Reconstruct is approximate (trivia is gone) but good enough for
	// an ErrorNode's Text field, which exists for human diagnostics.
	var b strings.Builder
	for _, t := range toks {
		b.WriteString(t.Text)
		b.WriteString(" ")
	}
	return strings.TrimSpace(b.String())
}

func identTexts(toks []lexer.Token) []string {
	var out []string
	for _, t := range toks {
		if t.Kind == lexer.Ident {
			out = append(out, t.Text)
		}
	}
	return out
}

func afterFirstWord(s string) string {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return ""
	}
	return s[i+1:]
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
