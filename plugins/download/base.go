// Package download implements the download strategies: plain HTTP(S) with
// order-then-poll handling for archived products, S3-compatible REST
// listings and native S3 bucket access.
//
// All strategies share one pipeline: resolve the destination from the
// sanitized product title, short-circuit on the download record, stream,
// write the record, then optionally extract the archive.
package download

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/eodag/eodag/pkg/config"
	"github.com/eodag/eodag/pkg/errs"
	"github.com/eodag/eodag/pkg/model"
	"github.com/eodag/eodag/pkg/util"
	"github.com/eodag/eodag/pkg/util/log"
)

// recordDirName is the hidden directory holding one record file per
// completed download, keyed by md5 of the remote location.
const recordDirName = ".downloaded"

const streamChunkSize = 64 * 1024

type baseConfig struct {
	OutputsPrefix  string  `mapstructure:"outputs_prefix"`
	Extract        bool    `mapstructure:"extract"`
	DeleteArchive  bool    `mapstructure:"delete_archive"`
	ArchiveDepth   int     `mapstructure:"archive_depth"`
	FlattenTopDirs bool    `mapstructure:"flatten_top_dirs"`
	AuthErrorCode  []int   `mapstructure:"auth_error_code"`
	Timeout        float64 `mapstructure:"timeout"`
}

type base struct {
	provider     string
	providerConf *config.ProviderConfig
	cfg          baseConfig
	timeout      time.Duration
}

func newBase(provider *config.ProviderConfig, cfg *config.PluginConfig) (*base, error) {
	b := &base{provider: provider.Name, providerConf: provider}
	if err := cfg.Decode(&b.cfg); err != nil {
		return nil, err
	}
	b.timeout = util.DefaultTimeout
	if b.cfg.Timeout > 0 {
		b.timeout = time.Duration(b.cfg.Timeout * float64(time.Second))
	}
	return b, nil
}

func (b *base) Provider() string { return b.provider }

// staging is the resolved local layout of one download.
type staging struct {
	// dest is the final product path, without any archive extension.
	dest string
	// record marks the download as complete once written.
	record string
}

// prepare resolves the destination and record paths and short-circuits
// completed downloads. done is non-empty when the product is already local.
func (b *base) prepare(product *model.Product, opts *model.DownloadOptions) (*staging, string, error) {
	// A product downloaded earlier in this process already points at its
	// local copy.
	if strings.HasPrefix(product.Location, "file://") && product.Location != product.RemoteLocation {
		local := strings.TrimPrefix(product.Location, "file://")
		if _, err := os.Stat(local); err == nil {
			return nil, local, nil
		}
	}

	prefix := b.cfg.OutputsPrefix
	if opts != nil && opts.OutputsPrefix != "" {
		prefix = opts.OutputsPrefix
	}
	if prefix == "" {
		prefix = os.TempDir()
	}
	if err := os.MkdirAll(prefix, 0o755); err != nil {
		return nil, "", errors.Wrap(err, "creating outputs prefix")
	}

	name := product.Title
	if name == "" {
		name = product.ID
	}
	if name == "" {
		return nil, "", &errs.DownloadError{Message: "product has neither title nor id to derive a file name from"}
	}
	st := &staging{dest: filepath.Join(prefix, util.Sanitize(name))}

	recordDir := filepath.Join(prefix, recordDirName)
	if err := os.MkdirAll(recordDir, 0o755); err != nil {
		return nil, "", errors.Wrap(err, "creating download record dir")
	}
	st.record = filepath.Join(recordDir, util.RecordName(product.RemoteLocation))

	if _, err := os.Stat(st.record); err == nil {
		if existing, ok := findProductPath(st.dest); ok {
			level.Debug(log.Logger).Log("msg", "product already downloaded", "path", existing)
			return nil, existing, nil
		}
		// Stale record: the downloaded file was removed behind our back.
		level.Debug(log.Logger).Log("msg", "removing stale download record", "record", st.record)
		_ = os.Remove(st.record)
	}
	return st, "", nil
}

// findProductPath locates the product at dest, trying the bare path and the
// archive extensions the finalize step may have left in place.
func findProductPath(dest string) (string, bool) {
	for _, candidate := range []string{dest, dest + ".zip", dest + ".tar.gz"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

// stream copies the response body to path through a temp file, reporting
// progress in fixed-size chunks. The temp file is renamed into place only on
// full success, so a partial download never masquerades as a product.
func stream(r io.Reader, path string, total int64, progress model.ProgressFunc) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".part*")
	if err != nil {
		return errors.Wrap(err, "creating download temp file")
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	buf := make([]byte, streamChunkSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				return errors.Wrap(werr, "writing download chunk")
			}
			if progress != nil {
				progress(int64(n), total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return errors.Wrap(rerr, "reading download stream")
		}
	}

	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing download temp file")
	}
	return os.Rename(tmp.Name(), path)
}

// writeRecord marks the download complete. The record content is the remote
// location so stale records can be audited by hand.
func writeRecord(record, remoteLocation string) error {
	tmp := record + ".tmp"
	if err := os.WriteFile(tmp, []byte(remoteLocation), 0o644); err != nil {
		return errors.Wrap(err, "writing download record")
	}
	return os.Rename(tmp, record)
}

// finalize turns the fetched archive into the final product path: extraction
// when enabled and the payload is a zip or tar.gz, pass-through otherwise.
// A corrupt archive is kept as a plain file rather than failing the
// download.
func (b *base) finalize(product *model.Product, st *staging, archivePath string, opts *model.DownloadOptions) (string, error) {
	extract := b.cfg.Extract
	if opts != nil && opts.Extract != nil {
		extract = *opts.Extract
	}
	deleteArchive := b.cfg.DeleteArchive
	if opts != nil && opts.DeleteArchive != nil {
		deleteArchive = *opts.DeleteArchive
	}

	final := archivePath
	if extract && isArchive(archivePath) {
		extracted, err := extractArchive(archivePath, st.dest, b.cfg.ArchiveDepth)
		if err != nil {
			// The payload was not actually an archive. Drop the misleading
			// extension and keep it as a plain file.
			level.Warn(log.Logger).Log("msg", "extraction failed, keeping payload as plain file", "path", archivePath, "err", err)
			os.RemoveAll(st.dest)
			if rerr := os.Rename(archivePath, st.dest); rerr == nil {
				final = st.dest
			}
		} else {
			final = extracted
			if deleteArchive {
				_ = os.Remove(archivePath)
			}
		}
	}

	if b.cfg.FlattenTopDirs {
		if err := flattenTopDirs(final); err != nil {
			return "", err
		}
	}

	if err := writeRecord(st.record, product.RemoteLocation); err != nil {
		return "", err
	}
	product.Location = "file://" + final
	return final, nil
}

func isArchive(path string) bool {
	return strings.HasSuffix(path, ".zip") || strings.HasSuffix(path, ".tar.gz") || strings.HasSuffix(path, ".tgz")
}

// extractArchive unpacks a zip or tar.gz into dest, descending archiveDepth
// levels of single-directory nesting so SENTINEL-style double wrapping
// disappears.
func extractArchive(archivePath, dest string, archiveDepth int) (string, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", err
	}
	var err error
	if strings.HasSuffix(archivePath, ".zip") {
		err = extractZip(archivePath, dest)
	} else {
		err = extractTarGz(archivePath, dest)
	}
	if err != nil {
		return "", err
	}

	final := dest
	for depth := 0; depth < archiveDepth; depth++ {
		entries, err := os.ReadDir(final)
		if err != nil || len(entries) != 1 || !entries[0].IsDir() {
			break
		}
		final = filepath.Join(final, entries[0].Name())
	}
	return final, nil
}

func extractZip(archivePath, dest string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return errors.Wrap(err, "opening zip")
	}
	defer zr.Close()

	for _, f := range zr.File {
		target, err := securePath(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return errors.Wrapf(err, "opening %s in zip", f.Name)
		}
		err = writeFileFrom(target, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func extractTarGz(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrap(err, "opening gzip stream")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "reading tar entry")
		}
		target, err := securePath(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeFileFrom(target, tr); err != nil {
				return err
			}
		}
	}
}

// securePath refuses archive entries escaping the destination.
func securePath(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.Clean(name))
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) && target != filepath.Clean(dest) {
		return "", &errs.DownloadError{Message: fmt.Sprintf("archive entry %q escapes the extraction dir", name)}
	}
	return target, nil
}

func writeFileFrom(target string, r io.Reader) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, r)
	return err
}

// flattenTopDirs hoists the contents of a single top-level directory up into
// path, repeatedly.
func flattenTopDirs(path string) error {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return nil
	}
	for {
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		if len(entries) != 1 || !entries[0].IsDir() {
			return nil
		}
		inner := filepath.Join(path, entries[0].Name())
		innerEntries, err := os.ReadDir(inner)
		if err != nil {
			return err
		}
		for _, e := range innerEntries {
			if err := os.Rename(filepath.Join(inner, e.Name()), filepath.Join(path, e.Name())); err != nil {
				return err
			}
		}
		if err := os.Remove(inner); err != nil {
			return err
		}
	}
}

// resolveLocation picks the URL to fetch: the remote location, or the
// downloadLink property as a fallback.
func resolveLocation(product *model.Product) (string, error) {
	loc := product.RemoteLocation
	if loc == "" {
		loc, _ = product.Properties[model.PropertyDownloadLink].(string)
	}
	if loc == "" {
		return "", &errs.AddressNotFound{Address: product.ID}
	}
	if _, err := url.Parse(loc); err != nil {
		return "", &errs.AddressNotFound{Address: product.ID}
	}
	return loc, nil
}
