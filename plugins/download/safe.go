package download

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/go-kit/log/level"
	"gopkg.in/yaml.v3"

	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/pkg/util/log"
)

// safeRule moves one fetched object into its place inside the SAFE
// directory. Pattern matches the slash-relative path of the object below the
// product dir; target is its new path below <title>.SAFE, with ${n}
// referencing capture groups.
type safeRule struct {
	pattern *regexp.Regexp
	target  string
}

// Object-store layouts keep Sentinel products exploded into flat key
// hierarchies; these rules fold the common Sentinel-2 keys back into the
// SAFE structure tools like SNAP expect. Granule and datastrip folders are
// numbered "0" at this stage: their titled ids are only known once
// manifest.safe has been read, so finalizeSAFE renames them afterwards.
var safeRules = []safeRule{
	{regexp.MustCompile(`^manifest\.safe$`), `manifest.safe`},
	{regexp.MustCompile(`^product/metadata\.xml$`), `MTD_MSIL1C.xml`},
	{regexp.MustCompile(`^metadata\.xml$`), `GRANULE/0/MTD_TL.xml`},
	{regexp.MustCompile(`^productInfo\.json$`), `productInfo.json`},
	{regexp.MustCompile(`^tileInfo\.json$`), `tileInfo.json`},
	{regexp.MustCompile(`^(.*/)?(B\d{2}|B8A|TCI)\.jp2$`), `GRANULE/0/IMG_DATA/${2}.jp2`},
	{regexp.MustCompile(`^qi/(.+)$`), `GRANULE/0/QI_DATA/${1}`},
	{regexp.MustCompile(`^auxiliary/(.+)$`), `GRANULE/0/AUX_DATA/${1}`},
	{regexp.MustCompile(`^datastrip/(.+)$`), `DATASTRIP/0/${1}`},
	{regexp.MustCompile(`^preview\.jpg$`), `preview/preview.jpg`},
}

// loadSAFERules reads a replacement rule table from a YAML file holding a
// list of {pattern, target} rows, so new provider layouts can be handled
// without recompiling.
func loadSAFERules(path string) ([]safeRule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading safe rules %s: %w", path, err)
	}
	var rows []struct {
		Pattern string `yaml:"pattern"`
		Target  string `yaml:"target"`
	}
	if err := yaml.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("parsing safe rules %s: %w", path, err)
	}
	rules := make([]safeRule, 0, len(rows))
	for _, row := range rows {
		re, err := regexp.Compile(row.Pattern)
		if err != nil {
			return nil, fmt.Errorf("safe rule pattern %q: %w", row.Pattern, err)
		}
		rules = append(rules, safeRule{pattern: re, target: row.Target})
	}
	return rules, nil
}

// buildSAFE rearranges the fetched objects under dest into a
// <title>.SAFE directory. Files no rule claims are left where they landed.
// A nil rules slice selects the built-in table.
func buildSAFE(dest string, product *model.Product, rules []safeRule) error {
	if rules == nil {
		rules = safeRules
	}
	title := product.Title
	if title == "" {
		title = product.ID
	}
	safeDir := filepath.Join(dest, title+".SAFE")

	var moves [][2]string
	err := filepath.Walk(dest, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dest, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, rule := range rules {
			if !rule.pattern.MatchString(rel) {
				continue
			}
			target := rule.pattern.ReplaceAllString(rel, rule.target)
			moves = append(moves, [2]string{path, filepath.Join(safeDir, filepath.FromSlash(target))})
			break
		}
		return nil
	})
	if err != nil {
		return &errs.DownloadError{Message: "scanning product dir", Err: err}
	}
	if len(moves) == 0 {
		level.Debug(log.Logger).Log("msg", "no file matched the safe layout rules", "dir", dest)
		return nil
	}

	for _, move := range moves {
		if err := os.MkdirAll(filepath.Dir(move[1]), 0o755); err != nil {
			return &errs.DownloadError{Message: "creating safe dir", Err: err}
		}
		if err := os.Rename(move[0], move[1]); err != nil {
			return &errs.DownloadError{Message: "arranging safe layout", Err: err}
		}
	}
	removeEmptyDirs(dest, safeDir)
	return finalizeSAFE(safeDir)
}

// finalizeSAFE completes the structure once the objects are in place: the
// conventional empty directories are created and the numbered granule and
// datastrip folders are renamed to the titled ids recorded in manifest.safe.
func finalizeSAFE(safeDir string) error {
	f, err := os.Open(filepath.Join(safeDir, "manifest.safe"))
	if err != nil {
		// Without a manifest there is nothing left to arrange.
		return nil
	}
	defer f.Close()

	for _, dir := range []string{"AUX_DATA", "HTML", "rep_info"} {
		if err := os.MkdirAll(filepath.Join(safeDir, dir), 0o755); err != nil {
			return &errs.DownloadError{Message: "creating safe dir", Err: err}
		}
	}

	doc, err := xmlquery.Parse(f)
	if err != nil {
		level.Warn(log.Logger).Log("msg", "unreadable manifest.safe, keeping numbered folders", "dir", safeDir, "err", err)
		return nil
	}
	for _, top := range []string{"GRANULE", "DATASTRIP"} {
		id := manifestFolderID(doc, top)
		if id == "" || id == "0" {
			continue
		}
		numbered := filepath.Join(safeDir, top, "0")
		if _, err := os.Stat(numbered); err != nil {
			continue
		}
		if err := os.Rename(numbered, filepath.Join(safeDir, top, id)); err != nil {
			return &errs.DownloadError{Message: "renaming " + top + " folder", Err: err}
		}
	}
	return nil
}

// manifestFolderID extracts from the manifest fileLocation hrefs the folder
// name directly below top, e.g. the tile id below GRANULE.
func manifestFolderID(doc *xmlquery.Node, top string) string {
	for _, n := range xmlquery.Find(doc, "//fileLocation") {
		href := strings.TrimPrefix(n.SelectAttr("href"), "./")
		segments := strings.Split(filepath.ToSlash(href), "/")
		for i, seg := range segments {
			if seg == top && i+1 < len(segments)-1 {
				return segments[i+1]
			}
		}
	}
	return ""
}

// removeEmptyDirs prunes directories emptied by the moves, leaving the SAFE
// tree alone.
func removeEmptyDirs(root, keep string) {
	var dirs []string
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil && info.IsDir() && path != root && path != keep {
			dirs = append(dirs, path)
		}
		return nil
	})
	// Deepest first so parents empty out as children disappear.
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err == nil && len(entries) == 0 {
			_ = os.Remove(dirs[i])
		}
	}
}
