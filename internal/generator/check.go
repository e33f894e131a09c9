package generator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	jsparser "github.com/dop251/goja/parser"
	pyparser "github.com/go-python/gpython/parser"
	"github.com/pelletier/go-toml/v2"
	lua "github.com/yuin/gopher-lua"
	"gopkg.in/yaml.v3"
)

// Files above this size are not parsed.
const maxCheckSize = 1 << 20

type checker func(name string, data []byte) error

var checkers = map[string]checker{
	".go":   checkGo,
	".json": checkJSON,
	".yaml": checkYAML,
	".yml":  checkYAML,
	".toml": checkTOML,
	".lua":  checkLua,
	".py":   checkPython,
	".js":   checkJS,
	".mjs":  checkJS,
	".cjs":  checkJS,
}

// Check parses every file whose extension names a known syntax. Failures are
// returned as warnings and never stop the run.
func Check(root string, files []string) []ParseWarning {
	var warnings []ParseWarning
	for _, rel := range files {
		check, ok := checkers[strings.ToLower(path.Ext(rel))]
		if !ok {
			continue
		}
		full := filepath.Join(root, filepath.FromSlash(rel))
		info, err := os.Stat(full)
		if err != nil {
			warnings = append(warnings, ParseWarning{File: rel, Message: err.Error()})
			continue
		}
		if info.Size() > maxCheckSize {
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			warnings = append(warnings, ParseWarning{File: rel, Message: err.Error()})
			continue
		}
		if err := safeCheck(check, rel, data); err != nil {
			warnings = append(warnings, ParseWarning{File: rel, Message: firstLine(err.Error())})
		}
	}
	return warnings
}

// safeCheck turns a parser panic into a warning.
func safeCheck(check checker, name string, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parser failed: %v", r)
		}
	}()
	return check(name, data)
}

func checkGo(name string, data []byte) error {
	_, err := parser.ParseFile(token.NewFileSet(), name, data, parser.AllErrors)
	return err
}

func checkJSON(name string, data []byte) error {
	if json.Valid(data) {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return errors.New("invalid json")
}

func checkYAML(name string, data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func checkTOML(name string, data []byte) error {
	var v map[string]any
	return toml.Unmarshal(data, &v)
}

func checkLua(name string, data []byte) error {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	if _, err := L.LoadString(string(data)); err != nil {
		return fmt.Errorf("lua: %w", err)
	}
	return nil
}

// checkPython parses with a Python 3.4 grammar, so newer syntax such as
// f-strings may be reported too.
func checkPython(name string, data []byte) error {
	if _, err := pyparser.Parse(bytes.NewReader(data), name, "exec"); err != nil {
		return fmt.Errorf("python: %w", err)
	}
	return nil
}

func checkJS(name string, data []byte) error {
	_, err := jsparser.ParseFile(nil, name, data, 0)
	return err
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
