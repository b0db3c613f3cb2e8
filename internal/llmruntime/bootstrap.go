// This file obtains the llama-server binary when none is installed:
// resolve the right archive from the latest llama.cpp release, fetch
// it through the gateway's download machinery, and unpack the server
// together with the shared libraries it links against.
package llmruntime

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/runlocal/infergate/internal/domain"
)

const llamaReleaseAPI = "https://api.github.com/repos/ggml-org/llama.cpp/releases/latest"

// DownloadLlamaServer fetches the llama-server build for this platform
// into gatewayHome/bin and returns the binary's path. The archive is
// fetched through dl, so concurrent bootstrap attempts share one
// in-flight download and a failed release URL is not retried for the
// rest of the process lifetime.
func DownloadLlamaServer(ctx context.Context, gatewayHome string, dl domain.Downloader, progress func(status string, pct float64)) (string, error) {
	binDir := filepath.Join(gatewayHome, "bin")
	target := filepath.Join(binDir, "llama-server"+exeSuffix)
	if _, err := os.Stat(target); err == nil {
		return target, nil
	}
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return "", fmt.Errorf("create bin dir: %w", err)
	}

	report := func(status string, pct float64) {
		if progress != nil {
			progress(status, pct)
		}
	}

	report("resolving latest llama.cpp release", 0)
	asset, err := resolveServerAsset(ctx)
	if err != nil {
		return "", err
	}

	archive := filepath.Join(binDir, asset.Name)
	if err := dl.Ensure(ctx, asset.URL, archive, progress); err != nil {
		return "", fmt.Errorf("fetch %s: %w", asset.Name, err)
	}
	defer os.Remove(archive)

	report("unpacking "+asset.Name, 95)
	if err := unpackServerArchive(archive, binDir); err != nil {
		return "", fmt.Errorf("unpack %s: %w", asset.Name, err)
	}
	if _, err := os.Stat(target); err != nil {
		return "", fmt.Errorf("archive %s did not contain llama-server", asset.Name)
	}

	report("llama-server ready", 100)
	return target, nil
}

// serverAsset is one downloadable archive in a llama.cpp release.
type serverAsset struct {
	Name string
	URL  string
}

// resolveServerAsset picks the release archive for this OS/arch.
func resolveServerAsset(ctx context.Context) (serverAsset, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", llamaReleaseAPI, nil)
	if err != nil {
		return serverAsset{}, err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "infergate")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return serverAsset{}, fmt.Errorf("query llama.cpp releases: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return serverAsset{}, fmt.Errorf("llama.cpp release lookup returned %d: %s", resp.StatusCode, string(body))
	}

	var release struct {
		TagName string `json:"tag_name"`
		Assets  []struct {
			Name               string `json:"name"`
			BrowserDownloadURL string `json:"browser_download_url"`
		} `json:"assets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return serverAsset{}, fmt.Errorf("parse release JSON: %w", err)
	}

	var best serverAsset
	bestScore := 0
	names := make([]string, 0, len(release.Assets))
	for _, a := range release.Assets {
		names = append(names, a.Name)
		if score := scoreAsset(strings.ToLower(a.Name)); score > bestScore {
			best = serverAsset{Name: a.Name, URL: a.BrowserDownloadURL}
			bestScore = score
		}
	}
	if bestScore == 0 {
		return serverAsset{}, fmt.Errorf(
			"no llama-server build for %s/%s in release %s (assets: %s)",
			runtime.GOOS, runtime.GOARCH, release.TagName, strings.Join(names, ", "),
		)
	}
	return best, nil
}

// scoreAsset ranks a release asset name for the current platform. Zero
// means unusable; among usable assets the highest score wins. An asset
// must be an archive naming this OS and not a foreign arch; naming
// this arch outright scores higher, and a plain CPU build beats a
// GPU-toolkit one, since the gateway cannot assume CUDA or Vulkan
// libraries are installed.
func scoreAsset(name string) int {
	if !strings.HasSuffix(name, ".zip") && !strings.HasSuffix(name, ".tar.gz") {
		return 0
	}
	for _, t := range []string{"sha1", "sha256", "cudart"} {
		if strings.Contains(name, t) {
			return 0
		}
	}

	osTokens := map[string][]string{
		"windows": {"win"},
		"darwin":  {"macos", "darwin"},
		"linux":   {"linux", "ubuntu"},
	}[runtime.GOOS]
	osHit := false
	for _, t := range osTokens {
		if strings.Contains(name, t) {
			osHit = true
			break
		}
	}
	if !osHit {
		return 0
	}

	sameArch := []string{"x64", "x86_64", "amd64"}
	otherArch := []string{"arm64", "aarch64"}
	if runtime.GOARCH == "arm64" {
		sameArch, otherArch = otherArch, sameArch
	}
	for _, t := range otherArch {
		if strings.Contains(name, t) {
			return 0
		}
	}

	score := 1
	for _, t := range sameArch {
		if strings.Contains(name, t) {
			score += 2
			break
		}
	}
	gpuBuild := false
	for _, t := range []string{"cuda", "vulkan", "hip", "sycl"} {
		if strings.Contains(name, t) {
			gpuBuild = true
			break
		}
	}
	if !gpuBuild {
		score++
	}
	return score
}

// unpackServerArchive extracts llama-server and its companion files
// from a release archive, flat into binDir so the dynamic loader finds
// the shared libraries next to the binary.
func unpackServerArchive(archive, binDir string) error {
	lower := strings.ToLower(archive)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return unpackZip(archive, binDir)
	case strings.HasSuffix(lower, ".tar.gz"):
		return unpackTarGz(archive, binDir)
	default:
		return fmt.Errorf("unsupported archive format: %s", filepath.Base(archive))
	}
}

func unpackZip(archive, binDir string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		name := filepath.Base(f.Name)
		if f.FileInfo().IsDir() || !wantedFromArchive(name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = writeUnpacked(filepath.Join(binDir, name), rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func unpackTarGz(archive, binDir string) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.Base(hdr.Name)
		if !wantedFromArchive(name) {
			continue
		}
		if err := writeUnpacked(filepath.Join(binDir, name), tr); err != nil {
			return err
		}
	}
}

// wantedFromArchive keeps executables and the runtime libraries
// llama-server dynamically links against (libggml, libllama, libmtmd,
// ...) — missing any of them causes loader errors at spawn time. Docs,
// headers, and checksum files stay behind.
func wantedFromArchive(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".exe", ".dll", ".so", ".dylib", ".metal", ".metallib":
		return true
	case "":
		return true // unix binaries carry no extension
	}
	lower := strings.ToLower(name)
	// versioned shared objects (libggml.so.1) and anything in the
	// llama/ggml families
	return strings.HasPrefix(lower, "lib") ||
		strings.HasPrefix(lower, "llama") ||
		strings.HasPrefix(lower, "ggml")
}

func writeUnpacked(dst string, src io.Reader) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("unpack %s: %w", filepath.Base(dst), err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	markExecutable(dst)
	return nil
}
