package metadata

import (
	"sort"
	"strings"
)

// defaultMaxKeys caps listing pages per the S3 wire contract.
const defaultMaxKeys = 1000

func clampMaxKeys(n int) int {
	if n <= 0 || n > defaultMaxKeys {
		return defaultMaxKeys
	}
	return n
}

// groupOf applies the delimiter collapse rule: if the part of key after
// prefix contains the delimiter, the key belongs to the common prefix group
// ending at the first delimiter occurrence. Empty return means the key is a
// leaf and goes into Contents.
func groupOf(key, prefix, delimiter string) string {
	if delimiter == "" {
		return ""
	}
	rest := key[len(prefix):]
	i := strings.Index(rest, delimiter)
	if i < 0 {
		return ""
	}
	return prefix + rest[:i+len(delimiter)]
}

// paginateObjects runs the shared prefix/delimiter listing over records
// already sorted by key. The cursor is exclusive: only keys strictly after
// it are considered. Engines without server-side filtering funnel their
// full sorted key range through here so v1 and v2 paginate identically.
func paginateObjects(sorted []ObjectRecord, opts ListObjectsOptions) *ListObjectsResult {
	cursor := opts.Marker
	if opts.ContinuationToken != "" {
		cursor = opts.ContinuationToken
	} else if opts.StartAfter != "" && opts.StartAfter > cursor {
		cursor = opts.StartAfter
	}
	maxKeys := opts.MaxKeys
	if maxKeys < 0 || maxKeys > defaultMaxKeys {
		maxKeys = defaultMaxKeys
	}

	res := &ListObjectsResult{}
	if maxKeys == 0 {
		return res
	}

	seen := map[string]bool{}
	emitted := 0
	var last string

	for i := range sorted {
		rec := &sorted[i]
		if !strings.HasPrefix(rec.Key, opts.Prefix) || rec.Key <= cursor {
			continue
		}
		if emitted == maxKeys {
			res.IsTruncated = true
			res.NextMarker = last
			res.NextContinuationToken = last
			return res
		}
		if g := groupOf(rec.Key, opts.Prefix, opts.Delimiter); g != "" {
			// A group at or before the cursor was emitted on an earlier page.
			if g <= cursor {
				continue
			}
			if !seen[g] {
				seen[g] = true
				res.CommonPrefixes = append(res.CommonPrefixes, g)
				emitted++
				last = g
			}
			continue
		}
		res.Objects = append(res.Objects, *rec)
		emitted++
		last = rec.Key
	}
	return res
}

// paginateUploads lists in-progress uploads ordered by (key, uploadID) with
// the same prefix/delimiter collapse as object listing.
func paginateUploads(uploads []MultipartUploadRecord, opts ListUploadsOptions) *ListUploadsResult {
	sort.Slice(uploads, func(i, j int) bool {
		if uploads[i].Key != uploads[j].Key {
			return uploads[i].Key < uploads[j].Key
		}
		return uploads[i].UploadID < uploads[j].UploadID
	})

	maxUploads := opts.MaxUploads
	if maxUploads <= 0 || maxUploads > defaultMaxKeys {
		maxUploads = defaultMaxKeys
	}

	after := func(u *MultipartUploadRecord) bool {
		if opts.KeyMarker == "" {
			return true
		}
		if u.Key != opts.KeyMarker {
			return u.Key > opts.KeyMarker
		}
		// A bare key marker means strictly greater keys only.
		return opts.UploadIDMarker != "" && u.UploadID > opts.UploadIDMarker
	}

	res := &ListUploadsResult{}
	seen := map[string]bool{}
	emitted := 0

	for i := range uploads {
		u := &uploads[i]
		if !strings.HasPrefix(u.Key, opts.Prefix) || !after(u) {
			continue
		}
		if g := groupOf(u.Key, opts.Prefix, opts.Delimiter); g != "" {
			// Groups at or before the key marker were emitted on an
			// earlier page.
			if g <= opts.KeyMarker || seen[g] {
				continue
			}
			if emitted == maxUploads {
				res.IsTruncated = true
				return res
			}
			seen[g] = true
			res.CommonPrefixes = append(res.CommonPrefixes, g)
			// The marker follows the last emitted item, prefix or upload,
			// so a truncated page always resumes past what it returned.
			res.NextKeyMarker = g
			res.NextUploadIDMarker = ""
			emitted++
			continue
		}
		if emitted == maxUploads {
			res.IsTruncated = true
			return res
		}
		res.Uploads = append(res.Uploads, *u)
		res.NextKeyMarker = u.Key
		res.NextUploadIDMarker = u.UploadID
		emitted++
	}
	return res
}

// paginateParts lists parts ordered by part number starting after the
// marker.
func paginateParts(parts []PartRecord, opts ListPartsOptions) *ListPartsResult {
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	maxParts := opts.MaxParts
	if maxParts <= 0 || maxParts > defaultMaxKeys {
		maxParts = defaultMaxKeys
	}

	res := &ListPartsResult{}
	for i := range parts {
		p := &parts[i]
		if p.PartNumber <= opts.PartNumberMarker {
			continue
		}
		if len(res.Parts) == maxParts {
			res.IsTruncated = true
			return res
		}
		res.Parts = append(res.Parts, *p)
		res.NextPartNumberMarker = p.PartNumber
	}
	return res
}
