package resolver

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// 表达式语法（封闭，不含函数调用）：
//
//	expr    := sum
//	sum     := product (('+' | '-') product)*
//	product := unary (('*' | '/') unary)*
//	unary   := '-' unary | postfix
//	postfix := primary ('.' (IDENT | INT) | '[' expr ']')*
//	primary := IDENT | NUMBER | STRING | list | '(' expr ')'
//	list    := '[' (expr (',' expr)* ','?)? ']'

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var tokens []token
	prevDot := false
	// scan 从 i 开始跳过满足 ok 的字符，按 UTF-8 解码。
	scan := func(i int, ok func(rune) bool) int {
		for i < len(src) {
			r, w := utf8.DecodeRuneInString(src[i:])
			if !ok(r) {
				break
			}
			i += w
		}
		return i
	}
	i := 0
	for i < len(src) {
		c, width := utf8.DecodeRuneInString(src[i:])
		switch {
		case unicode.IsSpace(c):
			i += width
			continue
		case isIdentStart(c):
			start := i
			i = scan(i, isIdentPart)
			tokens = append(tokens, token{kind: tokIdent, text: src[start:i], pos: start})
		case isDigit(c):
			start := i
			i = scan(i, isDigit)
			// 紧跟在 '.' 之后的数字是下标，不能吞掉后续的 '.'。
			if !prevDot && i+1 < len(src) && src[i] == '.' && isDigit(rune(src[i+1])) {
				i = scan(i+1, isDigit)
			}
			tokens = append(tokens, token{kind: tokNumber, text: src[start:i], pos: start})
		case c == '\'' || c == '"':
			start := i
			quote := src[i]
			i++
			var sb strings.Builder
			closed := false
			for i < len(src) {
				ch := src[i]
				if ch == '\\' && i+1 < len(src) {
					sb.WriteByte(src[i+1])
					i += 2
					continue
				}
				if ch == quote {
					closed = true
					i++
					break
				}
				sb.WriteByte(ch)
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string at %d", start)
			}
			tokens = append(tokens, token{kind: tokString, text: sb.String(), pos: start})
		case strings.ContainsRune("+-*/.[](),", c):
			tokens = append(tokens, token{kind: tokPunct, text: string(c), pos: i})
			i += width
		default:
			return nil, fmt.Errorf("unexpected character %q at %d", c, i)
		}
		prevDot = tokens[len(tokens)-1].kind == tokPunct && tokens[len(tokens)-1].text == "."
	}
	tokens = append(tokens, token{kind: tokEOF, pos: len(src)})
	return tokens, nil
}

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isIdentPart(r rune) bool { return isIdentStart(r) || unicode.IsDigit(r) }

// isDigit 只接受 ASCII 数字，strconv 无法解析其他数字字符。
func isDigit(r rune) bool { return '0' <= r && r <= '9' }

// wrapped 是带包装键的步骤输出：字段查找先查包装内容，再查外层。
type wrapped struct {
	outer map[string]any
	inner map[string]any
}

func (w wrapped) lookup(key string) (any, bool) {
	if v, ok := w.inner[key]; ok {
		return v, true
	}
	v, ok := w.outer[key]
	return v, ok
}

type evaluator struct {
	tokens []token
	pos    int
	scope  func(name string) (any, bool)
}

// evaluate 解析并求值表达式，scope 负责把标识符绑定到步骤输出。
func evaluate(src string, scope func(name string) (any, bool)) (any, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	e := &evaluator{tokens: tokens, scope: scope}
	v, err := e.sum()
	if err != nil {
		return nil, err
	}
	if tok := e.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at %d", tok.text, tok.pos)
	}
	return unwrap(v), nil
}

func (e *evaluator) peek() token { return e.tokens[e.pos] }

func (e *evaluator) next() token {
	tok := e.tokens[e.pos]
	if tok.kind != tokEOF {
		e.pos++
	}
	return tok
}

func (e *evaluator) accept(punct string) bool {
	if tok := e.peek(); tok.kind == tokPunct && tok.text == punct {
		e.pos++
		return true
	}
	return false
}

func (e *evaluator) expect(punct string) error {
	if !e.accept(punct) {
		tok := e.peek()
		return fmt.Errorf("expected %q at %d, got %q", punct, tok.pos, tok.text)
	}
	return nil
}

func (e *evaluator) sum() (any, error) {
	left, err := e.product()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case e.accept("+"):
			right, err := e.product()
			if err != nil {
				return nil, err
			}
			if left, err = add(left, right); err != nil {
				return nil, err
			}
		case e.accept("-"):
			right, err := e.product()
			if err != nil {
				return nil, err
			}
			if left, err = arith('-', left, right); err != nil {
				return nil, err
			}
		default:
			return left, nil
		}
	}
}

func (e *evaluator) product() (any, error) {
	left, err := e.unary()
	if err != nil {
		return nil, err
	}
	for {
		var op byte
		switch {
		case e.accept("*"):
			op = '*'
		case e.accept("/"):
			op = '/'
		default:
			return left, nil
		}
		right, err := e.unary()
		if err != nil {
			return nil, err
		}
		if left, err = arith(op, left, right); err != nil {
			return nil, err
		}
	}
}

func (e *evaluator) unary() (any, error) {
	if e.accept("-") {
		v, err := e.unary()
		if err != nil {
			return nil, err
		}
		n, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("cannot negate %T", unwrap(v))
		}
		return -n, nil
	}
	return e.postfix()
}

func (e *evaluator) postfix() (any, error) {
	v, err := e.primary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case e.accept("."):
			tok := e.next()
			switch tok.kind {
			case tokIdent:
				if v, err = field(v, tok.text); err != nil {
					return nil, err
				}
			case tokNumber:
				idx, convErr := strconv.Atoi(tok.text)
				if convErr != nil {
					return nil, fmt.Errorf("invalid index %q", tok.text)
				}
				if v, err = index(v, float64(idx)); err != nil {
					return nil, err
				}
			default:
				return nil, fmt.Errorf("expected field name after '.' at %d", tok.pos)
			}
		case e.accept("["):
			key, err := e.sum()
			if err != nil {
				return nil, err
			}
			if err := e.expect("]"); err != nil {
				return nil, err
			}
			if v, err = index(v, unwrap(key)); err != nil {
				return nil, err
			}
		default:
			return v, nil
		}
	}
}

func (e *evaluator) primary() (any, error) {
	tok := e.next()
	switch tok.kind {
	case tokNumber:
		n, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", tok.text)
		}
		return n, nil
	case tokString:
		return tok.text, nil
	case tokIdent:
		switch tok.text {
		case "true", "True":
			return true, nil
		case "false", "False":
			return false, nil
		case "null", "None":
			return nil, nil
		}
		v, ok := e.scope(tok.text)
		if !ok {
			return nil, fmt.Errorf("unknown identifier %q", tok.text)
		}
		return v, nil
	case tokPunct:
		switch tok.text {
		case "(":
			v, err := e.sum()
			if err != nil {
				return nil, err
			}
			if err := e.expect(")"); err != nil {
				return nil, err
			}
			return v, nil
		case "[":
			items := []any{}
			for !e.accept("]") {
				item, err := e.sum()
				if err != nil {
					return nil, err
				}
				items = append(items, unwrap(item))
				if e.accept("]") {
					break
				}
				if err := e.expect(","); err != nil {
					return nil, err
				}
			}
			return items, nil
		}
	}
	if tok.kind == tokEOF {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected %q at %d", tok.text, tok.pos)
}

func field(v any, name string) (any, error) {
	switch typed := v.(type) {
	case wrapped:
		if out, ok := typed.lookup(name); ok {
			return out, nil
		}
	case map[string]any:
		if out, ok := typed[name]; ok {
			return out, nil
		}
	default:
		return nil, fmt.Errorf("cannot access field %q on %T", name, v)
	}
	return nil, fmt.Errorf("field %q not found", name)
}

func index(v any, key any) (any, error) {
	switch typed := v.(type) {
	case []any:
		n, ok := toNumber(key)
		if !ok || n != math.Trunc(n) {
			return nil, fmt.Errorf("list index must be an integer, got %v", key)
		}
		i := int(n)
		if i < 0 {
			i += len(typed)
		}
		if i < 0 || i >= len(typed) {
			return nil, fmt.Errorf("index %d out of range (len %d)", int(n), len(typed))
		}
		return typed[i], nil
	case string:
		return nil, fmt.Errorf("cannot index string")
	case wrapped, map[string]any:
		name, ok := key.(string)
		if !ok {
			if n, isNum := toNumber(key); isNum && n == math.Trunc(n) {
				name = strconv.Itoa(int(n))
			} else {
				return nil, fmt.Errorf("map key must be a string, got %T", key)
			}
		}
		return field(v, name)
	default:
		return nil, fmt.Errorf("cannot index %T", v)
	}
}

func add(left, right any) (any, error) {
	left, right = unwrap(left), unwrap(right)
	switch l := left.(type) {
	case []any:
		r, ok := right.([]any)
		if !ok {
			return nil, fmt.Errorf("cannot concatenate list and %T", right)
		}
		out := make([]any, 0, len(l)+len(r))
		out = append(out, l...)
		return append(out, r...), nil
	case string:
		r, ok := right.(string)
		if !ok {
			return nil, fmt.Errorf("cannot concatenate string and %T", right)
		}
		return l + r, nil
	}
	return arith('+', left, right)
}

func arith(op byte, left, right any) (any, error) {
	l, lok := toNumber(unwrap(left))
	r, rok := toNumber(unwrap(right))
	if !lok || !rok {
		return nil, fmt.Errorf("unsupported operand types for %c: %T and %T", op, unwrap(left), unwrap(right))
	}
	switch op {
	case '+':
		return l + r, nil
	case '-':
		return l - r, nil
	case '*':
		return l * r, nil
	case '/':
		if r == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return l / r, nil
	}
	return nil, fmt.Errorf("unknown operator %c", op)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func unwrap(v any) any {
	if w, ok := v.(wrapped); ok {
		return w.outer
	}
	return v
}
