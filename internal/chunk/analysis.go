package chunk

import (
	"strings"
)

// branchLoopNodeTypes returns the tree-sitter node types counted toward a
// chunk's complexity score for the given language (§4.3 step 3: "1 + count
// of branch/loop/logical-operator nodes").
func branchLoopNodeTypes(language string) map[string]bool {
	switch language {
	case "go":
		return map[string]bool{
			"if_statement":                true,
			"for_statement":               true,
			"expression_switch_statement":  true,
			"type_switch_statement":        true,
			"select_statement":             true,
			"communication_case":           true,
			"default_case":                 true,
			"expression_case":              true,
			"&&":                           true,
			"||":                           true,
		}
	case "typescript", "tsx", "javascript", "jsx":
		return map[string]bool{
			"if_statement":        true,
			"for_statement":       true,
			"for_in_statement":    true,
			"while_statement":     true,
			"do_statement":        true,
			"switch_statement":    true,
			"switch_case":         true,
			"catch_clause":        true,
			"ternary_expression":  true,
			"&&":                  true,
			"||":                  true,
		}
	case "python":
		return map[string]bool{
			"if_statement":          true,
			"for_statement":         true,
			"while_statement":       true,
			"except_clause":         true,
			"conditional_expression": true,
			"boolean_operator":      true,
		}
	default:
		return map[string]bool{
			"if_statement": true,
			"for_statement": true,
			"while_statement": true,
		}
	}
}

// computeComplexity walks a node's subtree and returns a cyclomatic-style
// score: 1 plus the number of branch/loop/logical-operator nodes found.
func computeComplexity(n *Node, language string) int {
	counted := branchLoopNodeTypes(language)
	count := 0
	n.Walk(func(node *Node) bool {
		if counted[node.Type] {
			count++
		}
		return true
	})
	return 1 + count
}

// callNodeType returns the tree-sitter node type that represents a function
// call expression for the given language.
func callNodeType(language string) string {
	switch language {
	case "python":
		return "call"
	default:
		return "call_expression"
	}
}

// extractReferencedSymbols walks a node's subtree collecting the callee
// names of every call expression inside it (identifiers and
// call-expression callees per §4.3 step 3), in first-seen order.
func extractReferencedSymbols(n *Node, source []byte, language string) []string {
	callType := callNodeType(language)
	var names []string
	seen := make(map[string]bool)

	n.Walk(func(node *Node) bool {
		if node.Type != callType {
			return true
		}
		if len(node.Children) == 0 {
			return true
		}
		callee := node.Children[0]
		name := calleeName(callee, source)
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
		return true
	})

	return names
}

// calleeName extracts the rightmost identifier segment from a call
// expression's function/attribute-access position (e.g. `pkg.Foo(...)`
// or `obj.method(...)` resolves to "Foo"/"method"; a bare identifier
// resolves to itself).
func calleeName(n *Node, source []byte) string {
	switch n.Type {
	case "identifier", "field_identifier", "property_identifier":
		return n.GetContent(source)
	case "selector_expression", "member_expression", "attribute":
		if len(n.Children) == 0 {
			return ""
		}
		last := n.Children[len(n.Children)-1]
		return calleeName(last, source)
	default:
		// Generic fallback: take the last identifier-like child.
		for i := len(n.Children) - 1; i >= 0; i-- {
			if name := calleeName(n.Children[i], source); name != "" {
				return name
			}
		}
		return ""
	}
}

// isExportedName reports whether name is an exported symbol per the
// language's naming/visibility convention.
func isExportedName(name, language string) bool {
	if name == "" {
		return false
	}
	switch language {
	case "go":
		r := rune(name[0])
		return r >= 'A' && r <= 'Z'
	case "python":
		return !strings.HasPrefix(name, "_")
	default:
		// TypeScript/JavaScript export status depends on the `export`
		// keyword at the declaration site, not the name; callers that
		// can see the declaration node should prefer hasExportKeyword.
		return true
	}
}

// hasExportKeyword reports whether a declaration node (or its immediate
// wrapping statement) is preceded by/wrapped in an `export` keyword, which
// is how TypeScript/JavaScript mark visibility.
func hasExportKeyword(n *Node, source []byte) bool {
	lineStart := int(n.StartByte)
	for lineStart > 0 && source[lineStart-1] != '\n' {
		lineStart--
	}
	line := strings.TrimSpace(string(source[lineStart:n.StartByte]))
	return strings.HasPrefix(line, "export")
}

// computeIsExported reports a chunk's export status. Go and Python derive
// it from the symbol's name; TypeScript/JavaScript derive it from the
// `export` keyword at the declaration site.
func computeIsExported(node *Node, source []byte, name, language string) bool {
	switch language {
	case "typescript", "tsx", "javascript", "jsx":
		return hasExportKeyword(node, source)
	default:
		return isExportedName(name, language)
	}
}

// extractLeadingComments collects the comment lines at the very top of a
// file, stopping at the first non-comment, non-blank line. Used to seed the
// anchor chunk's summary content.
func extractLeadingComments(source []byte, language string) string {
	prefix := "//"
	if language == "python" {
		prefix = "#"
	}

	var comments []string
	for _, line := range strings.Split(string(source), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, prefix) {
			comments = append(comments, strings.TrimSpace(strings.TrimPrefix(trimmed, prefix)))
			continue
		}
		break
	}
	return strings.Join(comments, "\n")
}

// finalizeChunks assigns chunk_index (§4.3/I1/I7: -1 for the anchor, 0..N-1
// for the rest in document order) and builds display_text/context_prev/
// context_next across the whole per-file chunk set.
func finalizeChunks(chunks []*Chunk) {
	idx := 0
	for _, ch := range chunks {
		if ch.IsAnchor {
			ch.ChunkIndex = -1
		} else {
			ch.ChunkIndex = idx
			idx++
		}
		ch.DisplayText = buildDisplayText(ch.FilePath, ch.ParentSymbol, ch.Content)
	}

	var ordered []*Chunk
	for _, ch := range chunks {
		if !ch.IsAnchor {
			ordered = append(ordered, ch)
		}
	}
	for i, ch := range ordered {
		if i > 0 {
			ch.ContextPrev = ordered[i-1].DisplayText
		}
		if i < len(ordered)-1 {
			ch.ContextNext = ordered[i+1].DisplayText
		}
	}
}

// assignRole classifies a chunk per §4.3 step 5.
func assignRole(chunkType string, complexity, callCount int) Role {
	switch chunkType {
	case "class", "interface", "type_alias":
		if complexity <= DefinitionComplexityCeiling {
			return RoleDefinition
		}
	}
	if complexity >= RoleComplexityThreshold && callCount >= 2 {
		return RoleOrchestration
	}
	if complexity <= DefinitionComplexityCeiling {
		return RoleDefinition
	}
	return RoleImplementation
}

// chunkTypeFor maps a SymbolType to the spec's chunk_type tag vocabulary.
func chunkTypeFor(t SymbolType) string {
	switch t {
	case SymbolTypeFunction:
		return "function"
	case SymbolTypeMethod:
		return "method"
	case SymbolTypeClass:
		return "class"
	case SymbolTypeInterface:
		return "interface"
	case SymbolTypeType:
		return "type_alias"
	case SymbolTypeConstant:
		return "constant"
	case SymbolTypeVariable:
		return "variable"
	default:
		return "other"
	}
}

// buildDisplayText prefixes content with a breadcrumb header, per §4.3's
// "display text" rule. The header is what gets embedded and is stripped by
// the formatter before presenting results.
func buildDisplayText(filePath, parentSymbol, content string) string {
	header := "// " + filePath
	if parentSymbol != "" {
		header += " :: " + parentSymbol
	}
	return header + "\n" + content
}
