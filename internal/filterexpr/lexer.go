// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: August 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package filterexpr

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tEOF tokenKind = iota
	tIdent
	tString
	tNumber
	tTrue
	tFalse
	tAnd
	tOr
	tNot
	tEq
	tNe
	tGt
	tLt
	tGe
	tLe
	tIn
	tMatches
	tLParen
	tRParen
	tLBracket
	tRBracket
	tComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var keywords = map[string]tokenKind{
	"and":     tAnd,
	"or":      tOr,
	"not":     tNot,
	"eq":      tEq,
	"ne":      tNe,
	"in":      tIn,
	"matches": tMatches,
	"true":    tTrue,
	"false":   tFalse,
}

// lex splits src into tokens. Identifiers may contain dots
// ("ip.src.country") and may carry bracketed string segments attached with no
// intervening space: headers["user-agent"] lexes as one identifier
// "headers.user-agent".
func lex(src string) ([]token, error) {
	var out []token
	i := 0
	n := len(src)
	for i < n {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			out = append(out, token{tLParen, "(", i})
			i++
		case c == ')':
			out = append(out, token{tRParen, ")", i})
			i++
		case c == '[':
			out = append(out, token{tLBracket, "[", i})
			i++
		case c == ']':
			out = append(out, token{tRBracket, "]", i})
			i++
		case c == ',':
			out = append(out, token{tComma, ",", i})
			i++
		case c == '=':
			if i+1 < n && src[i+1] == '=' {
				out = append(out, token{tEq, "==", i})
				i += 2
			} else {
				return nil, Error.New("unexpected '=' at %d (did you mean '==')", i)
			}
		case c == '!':
			if i+1 < n && src[i+1] == '=' {
				out = append(out, token{tNe, "!=", i})
				i += 2
			} else {
				out = append(out, token{tNot, "!", i})
				i++
			}
		case c == '>':
			if i+1 < n && src[i+1] == '=' {
				out = append(out, token{tGe, ">=", i})
				i += 2
			} else {
				out = append(out, token{tGt, ">", i})
				i++
			}
		case c == '<':
			if i+1 < n && src[i+1] == '=' {
				out = append(out, token{tLe, "<=", i})
				i += 2
			} else {
				out = append(out, token{tLt, "<", i})
				i++
			}
		case c == '&':
			if i+1 < n && src[i+1] == '&' {
				out = append(out, token{tAnd, "&&", i})
				i += 2
			} else {
				return nil, Error.New("unexpected '&' at %d", i)
			}
		case c == '|':
			if i+1 < n && src[i+1] == '|' {
				out = append(out, token{tOr, "||", i})
				i += 2
			} else {
				return nil, Error.New("unexpected '|' at %d", i)
			}
		case c == '"' || c == '\'':
			s, next, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			out = append(out, token{tString, s, i})
			i = next
		case c >= '0' && c <= '9' || (c == '-' && i+1 < n && src[i+1] >= '0' && src[i+1] <= '9'):
			start := i
			i++
			for i < n && (src[i] >= '0' && src[i] <= '9' || src[i] == '.') {
				i++
			}
			out = append(out, token{tNumber, src[start:i], start})
		case isIdentStart(rune(c)):
			start := i
			for i < n && isIdentPart(rune(src[i])) {
				i++
			}
			word := src[start:i]
			if kw, ok := keywords[strings.ToLower(word)]; ok {
				out = append(out, token{kw, word, start})
				break
			}
			name := word
			// Fold attached ["..."] segments into the identifier.
			for i < n && src[i] == '[' && i+1 < n && (src[i+1] == '"' || src[i+1] == '\'') {
				s, next, err := lexString(src, i+1)
				if err != nil {
					return nil, err
				}
				if next >= n || src[next] != ']' {
					return nil, Error.New("unterminated index at %d", i)
				}
				name += "." + s
				i = next + 1
			}
			out = append(out, token{tIdent, name, start})
		default:
			return nil, Error.New("unexpected character %q at %d", string(c), i)
		}
	}
	out = append(out, token{tEOF, "", n})
	return out, nil
}

func lexString(src string, i int) (string, int, error) {
	quote := src[i]
	i++
	var b strings.Builder
	for i < len(src) {
		c := src[i]
		if c == quote {
			return b.String(), i + 1, nil
		}
		if c == '\\' && i+1 < len(src) {
			i++
			switch src[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(src[i])
			}
			i++
			continue
		}
		b.WriteByte(c)
		i++
	}
	return "", 0, Error.New("unterminated string starting at %d", i)
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_' || r == '$'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '$' || r == '.' || r == '-'
}

func (k tokenKind) String() string {
	switch k {
	case tEOF:
		return "end of expression"
	case tIdent:
		return "identifier"
	case tString:
		return "string"
	case tNumber:
		return "number"
	default:
		return fmt.Sprintf("token(%d)", int(k))
	}
}
