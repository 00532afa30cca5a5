package manifest

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"

	"refanalyzer/model"
)

// element is one XML element of interest with its byte span in the source.
type element struct {
	local string
	attrs map[string]string
	text  string
	start int64
	end   int64
}

// scanElements returns every element named in names whose namespace is the
// document's default namespace, in document order.
func scanElements(text string, names ...string) ([]element, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	d := xml.NewDecoder(strings.NewReader(text))
	var (
		elems     []element
		stack     []int // index into elems, -1 for elements not of interest
		rootSpace string
		seenRoot  bool
	)
	for {
		offset := d.InputOffset()
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrManifestParse, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if !seenRoot {
				seenRoot = true
				rootSpace = t.Name.Space
			}
			if want[t.Name.Local] && t.Name.Space == rootSpace {
				attrs := make(map[string]string, len(t.Attr))
				for _, a := range t.Attr {
					attrs[a.Name.Local] = a.Value
				}
				elems = append(elems, element{local: t.Name.Local, attrs: attrs, start: offset})
				stack = append(stack, len(elems)-1)
			} else {
				stack = append(stack, -1)
			}
		case xml.EndElement:
			if len(stack) == 0 {
				continue
			}
			if i := stack[len(stack)-1]; i >= 0 {
				elems[i].end = d.InputOffset()
				elems[i].text = strings.TrimSpace(elems[i].text)
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				if i := stack[len(stack)-1]; i >= 0 {
					elems[i].text += string(t)
				}
			}
		}
	}
	if !seenRoot {
		return nil, fmt.Errorf("%w: no root element", ErrManifestParse)
	}
	return elems, nil
}

// cutElements removes the given spans from text together with the
// indentation before them and the line break after them.
func cutElements(text string, elems []element) string {
	var sb strings.Builder
	last := 0
	for _, e := range elems {
		start, end := int(e.start), int(e.end)
		for start > last && (text[start-1] == ' ' || text[start-1] == '\t') {
			start--
		}
		if start > 0 && text[start-1] != '\n' {
			// element shares its line with other content; keep the indentation
			start = int(e.start)
		}
		for end < len(text) && (text[end] == ' ' || text[end] == '\t') {
			end++
		}
		if end < len(text) && text[end] == '\r' {
			end++
		}
		if end < len(text) && text[end] == '\n' {
			end++
		}
		sb.WriteString(text[last:start])
		last = end
	}
	sb.WriteString(text[last:])
	return sb.String()
}

// msbuildFormat handles MSBuild project files.
type msbuildFormat struct {
	cache *Cache
}

func referencePath(manifest, include string) string {
	include = strings.ReplaceAll(include, `\`, "/")
	if filepath.IsAbs(include) {
		return filepath.Clean(filepath.FromSlash(include))
	}
	return filepath.Join(filepath.Dir(manifest), filepath.FromSlash(include))
}

func fileStem(path string) string {
	base := filepath.Base(strings.ReplaceAll(path, `\`, "/"))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// outputIdentity is the identity a referenced project compiles to: its
// ProjectName, else its AssemblyName, else its file stem.
func (f *msbuildFormat) outputIdentity(path string) (string, error) {
	text, err := f.cache.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fileStem(path), nil
	}
	if err != nil {
		return "", err
	}
	elems, err := scanElements(text, "ProjectName", "AssemblyName")
	if err != nil {
		return "", fmt.Errorf("referenced project %s: %w", path, err)
	}
	for _, name := range []string{"ProjectName", "AssemblyName"} {
		for _, e := range elems {
			if e.local == name && e.text != "" {
				return e.text, nil
			}
		}
	}
	return fileStem(path), nil
}

func (f *msbuildFormat) projects(path, text string) ([]model.DeclaredReference, error) {
	elems, err := scanElements(text, "ProjectReference")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var refs []model.DeclaredReference
	for _, e := range elems {
		include := e.attrs["Include"]
		if include == "" {
			continue
		}
		refPath := referencePath(path, include)
		id, err := f.outputIdentity(refPath)
		if err != nil {
			return nil, err
		}
		refs = append(refs, model.DeclaredReference{Target: id, Kind: model.ProjectReference, Path: refPath})
	}
	return refs, nil
}

func (f *msbuildFormat) packages(path, text string) ([]model.DeclaredReference, error) {
	elems, err := scanElements(text, "PackageReference")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var refs []model.DeclaredReference
	for _, e := range elems {
		name := e.attrs["Include"]
		if name == "" {
			name = e.attrs["Update"]
		}
		if name == "" {
			continue
		}
		refs = append(refs, model.DeclaredReference{Target: name, Kind: model.PackageReference})
	}
	return refs, nil
}

func (f *msbuildFormat) removeProjects(path, text string, targets map[string]bool) (string, int, error) {
	elems, err := scanElements(text, "ProjectReference")
	if err != nil {
		return "", 0, fmt.Errorf("%s: %w", path, err)
	}
	var cut []element
	for _, e := range elems {
		include := e.attrs["Include"]
		if include == "" {
			continue
		}
		refPath := referencePath(path, include)
		id, err := f.outputIdentity(refPath)
		if err != nil {
			return "", 0, err
		}
		if targets[id] || targets[fileStem(refPath)] {
			cut = append(cut, e)
		}
	}
	return cutElements(text, cut), len(cut), nil
}

func (f *msbuildFormat) removePackages(path, text string, targets map[string]bool) (string, int, error) {
	elems, err := scanElements(text, "PackageReference")
	if err != nil {
		return "", 0, fmt.Errorf("%s: %w", path, err)
	}
	var cut []element
	for _, e := range elems {
		if targets[e.attrs["Include"]] || targets[e.attrs["Update"]] {
			cut = append(cut, e)
		}
	}
	return cutElements(text, cut), len(cut), nil
}
