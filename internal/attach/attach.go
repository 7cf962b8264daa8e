// Package attach implements the image attachment pipeline: decode, WebP
// transcode, content-addressed storage under the project archive, and
// Markdown body rewriting.
package attach

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/webp"

	"github.com/agentmail/agentmail/internal/archive"
	"github.com/agentmail/agentmail/internal/types"
)

// WebP encoder settings; roughly the sweet spot between size and fidelity
// for screenshots and diagrams.
const (
	webpQuality = 80
	webpMethod  = 6
)

// Pipeline carries the server-level attachment settings.
type Pipeline struct {
	Root          string // project repo root; relative paths resolve against it
	Convert       bool   // transcode raster images to WebP
	InlineMax     int64  // auto policy: inline iff transcoded size <= this
	KeepOriginals bool   // retain pre-transcode binaries under originals/
}

// resolve anchors a relative attachment path at the project repo root rather
// than whatever the server's working directory happens to be.
func (p *Pipeline) resolve(path string) string {
	if filepath.IsAbs(path) || p.Root == "" {
		return path
	}
	return filepath.Join(p.Root, path)
}

// Result is the processed body plus one descriptor per attachment.
type Result struct {
	BodyMD      string
	Attachments []types.Attachment
}

// imageRef matches Markdown image references; group 1 is the target.
var imageRef = regexp.MustCompile(`!\[[^\]]*\]\(([^)\s]+)\)`)

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".bmp": true, ".tif": true, ".tiff": true,
}

// Process runs the pipeline over a message body and its attachment paths.
// Image references in the body (local paths and data: URIs) are transcoded,
// stored, and rewritten to their final form. Non-image paths become plain
// file descriptors. policy is the already-resolved effective embedding
// policy.
func (p *Pipeline) Process(s *archive.Session, bodyMD string, paths []string, policy types.AttachmentsPolicy) (Result, error) {
	res := Result{BodyMD: bodyMD}

	// Body-embedded references first, so rewrites land before the
	// attachment_paths are appended as descriptors.
	var rewriteErr error
	res.BodyMD = imageRef.ReplaceAllStringFunc(res.BodyMD, func(m string) string {
		if rewriteErr != nil {
			return m
		}
		target := imageRef.FindStringSubmatch(m)[1]
		raw, origExt, origMedia, ok := p.loadImageTarget(target)
		if !ok {
			return m
		}
		att, ref, err := p.storeImage(s, raw, origExt, origMedia, policy)
		if err != nil {
			rewriteErr = err
			return m
		}
		res.Attachments = append(res.Attachments, att)
		return strings.Replace(m, target, ref, 1)
	})
	if rewriteErr != nil {
		return res, rewriteErr
	}

	for _, path := range paths {
		ext := strings.ToLower(filepath.Ext(path))
		raw, err := os.ReadFile(p.resolve(path)) // #nosec G304 - caller-supplied attachment path
		if err != nil {
			return res, types.E(types.KindValidation, "attachment %s: %v", path, err)
		}
		if imageExts[ext] {
			att, _, err := p.storeImage(s, raw, strings.TrimPrefix(ext, "."), "", policy)
			if err != nil {
				return res, err
			}
			res.Attachments = append(res.Attachments, att)
			continue
		}
		att, err := storeFile(s, raw, strings.TrimPrefix(ext, "."))
		if err != nil {
			return res, err
		}
		res.Attachments = append(res.Attachments, att)
	}
	return res, nil
}

// loadImageTarget resolves a Markdown image target into raw bytes. Remote
// URLs and already-stored archive paths are left alone. origMedia is the
// declared media type of a data: URI, empty for file targets.
func (p *Pipeline) loadImageTarget(target string) (raw []byte, origExt, origMedia string, ok bool) {
	if strings.HasPrefix(target, "data:") {
		raw, mediaType, err := decodeDataURI(target)
		if err != nil {
			return nil, "", "", false
		}
		return raw, extForMedia(mediaType), mediaType, true
	}
	if strings.Contains(target, "://") || strings.HasPrefix(target, "attachments/") {
		return nil, "", "", false
	}
	ext := strings.ToLower(filepath.Ext(target))
	if !imageExts[ext] {
		return nil, "", "", false
	}
	data, err := os.ReadFile(p.resolve(target)) // #nosec G304 - caller-supplied attachment path
	if err != nil {
		return nil, "", "", false
	}
	return data, strings.TrimPrefix(ext, "."), "", true
}

// storeImage transcodes (when enabled), stores under the content-addressed
// tree, and resolves the embedding policy. ref is what the Markdown body
// should point at. A non-empty origMedia wins over the extension-derived
// media type, so an unconvertible data: URI keeps its declared type.
func (p *Pipeline) storeImage(s *archive.Session, raw []byte, origExt, origMedia string, policy types.AttachmentsPolicy) (types.Attachment, string, error) {
	if origMedia == "" {
		origMedia = mediaForExt(origExt)
	}
	data := raw
	ext := origExt
	mediaType := origMedia
	failed := false

	var decoded bool
	var width, height int
	if p.Convert {
		img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
		if err == nil {
			var buf bytes.Buffer
			if encErr := webp.Encode(&buf, img, webp.Options{Quality: webpQuality, Method: webpMethod}); encErr == nil {
				data = buf.Bytes()
				ext = "webp"
				mediaType = "image/webp"
				decoded = true
				b := img.Bounds()
				width, height = b.Dx(), b.Dy()
			} else {
				failed = true
			}
		} else {
			failed = true
		}
	}

	sum := sha1.Sum(data)
	shaHex := hex.EncodeToString(sum[:])
	rel := archive.AttachmentPath(shaHex, ext)
	if !s.FileExists(rel) {
		if err := s.WriteFile(rel, data); err != nil {
			return types.Attachment{}, "", err
		}
	}

	att := types.Attachment{
		MediaType:        mediaType,
		Bytes:            int64(len(data)),
		SHA1:             shaHex,
		ConversionFailed: failed,
	}

	if p.KeepOriginals && decoded {
		origRel := archive.OriginalPath(shaHex, origExt)
		if !s.FileExists(origRel) {
			if err := s.WriteFile(origRel, raw); err != nil {
				return types.Attachment{}, "", err
			}
			manifest, _ := json.Marshal(map[string]any{
				"media_type": origMedia,
				"bytes":      len(raw),
				"width":      width,
				"height":     height,
			})
			if err := s.WriteFile(archive.OriginalPath(shaHex, "json"), append(manifest, '\n')); err != nil {
				return types.Attachment{}, "", err
			}
		}
		att.OriginalPath = origRel
	}

	inline := policy == types.AttachInline ||
		(policy == types.AttachAuto && int64(len(data)) <= p.InlineMax)
	if inline {
		uri := "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
		att.Type = "inline"
		att.DataURI = uri
		return att, uri, nil
	}
	att.Type = "file"
	att.Path = filepath.ToSlash(rel)
	return att, att.Path, nil
}

// storeFile stores a non-image attachment verbatim.
func storeFile(s *archive.Session, raw []byte, ext string) (types.Attachment, error) {
	if ext == "" {
		ext = "bin"
	}
	sum := sha1.Sum(raw)
	shaHex := hex.EncodeToString(sum[:])
	rel := archive.AttachmentPath(shaHex, ext)
	if !s.FileExists(rel) {
		if err := s.WriteFile(rel, raw); err != nil {
			return types.Attachment{}, err
		}
	}
	return types.Attachment{
		Type:      "file",
		MediaType: mediaForExt(ext),
		Path:      filepath.ToSlash(rel),
		Bytes:     int64(len(raw)),
		SHA1:      shaHex,
	}, nil
}

func decodeDataURI(uri string) ([]byte, string, error) {
	rest := strings.TrimPrefix(uri, "data:")
	semi := strings.Index(rest, ";base64,")
	if semi < 0 {
		return nil, "", fmt.Errorf("unsupported data URI encoding")
	}
	mediaType := rest[:semi]
	data, err := base64.StdEncoding.DecodeString(rest[semi+len(";base64,"):])
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode data URI: %w", err)
	}
	return data, mediaType, nil
}

func mediaForExt(ext string) string {
	if mt := mime.TypeByExtension("." + strings.TrimPrefix(ext, ".")); mt != "" {
		return mt
	}
	return "application/octet-stream"
}

func extForMedia(mediaType string) string {
	switch mediaType {
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "image/bmp":
		return "bmp"
	case "image/tiff":
		return "tiff"
	}
	return "bin"
}
