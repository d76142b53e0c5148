package rgw

import (
	"errors"
	"path/filepath"
	"strings"
)

// Type codes distinguish the several sibling files an object key is
// split into, and the directory-name escaping used for intermediate
// path components, so that an arbitrary (possibly binary) S3 key name
// can round-trip through the local filesystem without colliding with
// deltaic's own bookkeeping files.
const (
	typeData       = "k" // object body
	typeMeta       = "m" // JSON-encoded headers/user metadata
	typeACL        = "a" // JSON-encoded ACL
	typeDir        = "d" // intermediate path component
	typeTemp       = "t" // in-progress atomic write, never left on disk at rest
	typeBucketACL  = "A" // bucket-level ACL sentinel
	typeBucketCORS = "C" // bucket-level CORS sentinel
)

// errNoTypeCode is returned by splitTypeCode for a path component that
// was not produced by addTypeCode (e.g. a stray file dropped into the
// mirror tree by something other than this reconciler).
var errNoTypeCode = errors.New("rgw: path component has no type code")

func addTypeCode(name, code string) string {
	return name + "_" + code
}

// splitTypeCode reverses addTypeCode. It requires the second-to-last
// byte to be the underscore separator, matching the Python
// implementation's `path[-2] == '_'` check.
func splitTypeCode(name string) (base, code string, err error) {
	if len(name) < 2 || name[len(name)-2] != '_' {
		return "", "", errNoTypeCode
	}
	return name[:len(name)-2], name[len(name)-1:], nil
}

// keyNameToPath maps an object key to the on-disk path of one of its
// sibling files. Every intermediate directory component is suffixed
// with the "_d" type code so it can never collide with a sibling file
// of a same-named key (e.g. key "foo" and key "foo/bar" both existing
// in the same bucket).
func keyNameToPath(rootDir, keyName, typeCode string) string {
	relDir, filename := filepath.Split(keyName)
	relDir = strings.TrimSuffix(relDir, "/")

	out := rootDir
	if relDir != "" {
		for _, component := range strings.Split(relDir, "/") {
			out = filepath.Join(out, addTypeCode(component, typeDir))
		}
	}
	return filepath.Join(out, addTypeCode(filename, typeCode))
}

// pathToKeyName reverses keyNameToPath for a "k"-type sibling path
// discovered while walking the mirror tree.
func pathToKeyName(rootDir, path string) (string, error) {
	rel, err := filepath.Rel(rootDir, path)
	if err != nil {
		return "", err
	}
	components := strings.Split(rel, "/")
	out := make([]string, 0, len(components))
	for _, component := range components[:len(components)-1] {
		name, code, err := splitTypeCode(component)
		if err != nil {
			return "", err
		}
		if code != typeDir {
			return "", errors.New("rgw: path element missing directory type code: " + component)
		}
		out = append(out, name)
	}
	last, _, err := splitTypeCode(components[len(components)-1])
	if err != nil {
		return "", err
	}
	out = append(out, last)
	return strings.Join(out, "/"), nil
}
