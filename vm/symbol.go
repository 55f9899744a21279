package vm

import (
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// SymbolTable: Interned symbols
// ---------------------------------------------------------------------------

// SymbolTable interns symbol strings to unique IDs.
// Symbols are immutable, unique strings used for identifiers.
type SymbolTable struct {
	mu     sync.RWMutex
	byName map[string]uint32 // name -> ID
	byID   []string          // ID -> name
}

// NewSymbolTable creates a new empty symbol table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		byName: make(map[string]uint32),
		byID:   make([]string, 0, 256),
	}
}

// Intern returns the ID for a symbol, creating a new one if needed.
func (st *SymbolTable) Intern(name string) uint32 {
	// Fast path: read-only lookup
	st.mu.RLock()
	if id, ok := st.byName[name]; ok {
		st.mu.RUnlock()
		return id
	}
	st.mu.RUnlock()

	// Slow path: need to add new symbol
	st.mu.Lock()
	defer st.mu.Unlock()

	// Double-check after acquiring write lock
	if id, ok := st.byName[name]; ok {
		return id
	}

	id := uint32(len(st.byID))
	st.byName[name] = id
	st.byID = append(st.byID, name)
	return id
}

// Lookup returns the ID for a symbol, or 0 and false if not found.
func (st *SymbolTable) Lookup(name string) (uint32, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	id, ok := st.byName[name]
	return id, ok
}

// Name returns the symbol name for an ID, or "" if invalid.
func (st *SymbolTable) Name(id uint32) string {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if int(id) >= len(st.byID) {
		return ""
	}
	return st.byID[id]
}

// Len returns the number of interned symbols.
func (st *SymbolTable) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byID)
}

// All returns all symbol names in ID order.
func (st *SymbolTable) All() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()

	result := make([]string, len(st.byID))
	copy(result, st.byID)
	return result
}

// SymbolValue creates a Value from a symbol name.
func (st *SymbolTable) SymbolValue(name string) Value {
	return FromSymbolID(st.Intern(name))
}

// ---------------------------------------------------------------------------
// Identifier classification
// ---------------------------------------------------------------------------

// Greta identifier kinds are decided by sigil:
//
//	@name    attribute (instance variable)
//	@@name   class variable
//	$name    global variable
//	Name     constant / namespace (leading uppercase)
//
// Qualified constant paths join segments with "::".

// IsAttrName reports whether name is a valid attribute name: a single
// leading '@' followed by an identifier.
func IsAttrName(name string) bool {
	if len(name) < 2 || name[0] != '@' || name[1] == '@' {
		return false
	}
	return isIdentifier(name[1:])
}

// IsClassVarName reports whether name is a valid class-variable name:
// a leading "@@" followed by an identifier.
func IsClassVarName(name string) bool {
	if len(name) < 3 || name[0] != '@' || name[1] != '@' {
		return false
	}
	return isIdentifier(name[2:])
}

// IsGlobalName reports whether name is a valid global-variable name:
// a leading '$' followed by an identifier.
func IsGlobalName(name string) bool {
	if len(name) < 2 || name[0] != '$' {
		return false
	}
	return isIdentifier(name[1:])
}

// IsConstName reports whether name is a valid unqualified constant name:
// an identifier starting with an uppercase letter.
func IsConstName(name string) bool {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError || !unicode.IsUpper(r) {
		return false
	}
	return name[size:] == "" || isIdentTail(name[size:])
}

// IsConstPath reports whether name is a valid constant path: one or more
// constant names joined by "::".
func IsConstPath(name string) bool {
	if name == "" {
		return false
	}
	for _, seg := range strings.Split(name, "::") {
		if !IsConstName(seg) {
			return false
		}
	}
	return true
}

// isIdentifier reports whether s is a bare identifier: a letter or
// underscore followed by letters, digits, or underscores.
func isIdentifier(s string) bool {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return false
	}
	if r != '_' && !unicode.IsLetter(r) {
		return false
	}
	return s[size:] == "" || isIdentTail(s[size:])
}

func isIdentTail(s string) bool {
	for _, r := range s {
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
