package safety

import (
	"bytes"
	"path/filepath"
	"strings"
)

// maxFilenameLen bounds stored attachment names.
const maxFilenameLen = 128

// SanitizeFilename reduces an untrusted upload name to a safe basename.
// Path separators, traversal sequences, control characters, and leading
// dots are stripped; an empty result falls back to "attachment.bin".
func SanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	// Take the basename under both separator conventions.
	name = name[strings.LastIndexByte(name, '/')+1:]
	name = name[strings.LastIndexByte(name, '\\')+1:]

	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			// Control characters dropped.
		case r == '/' || r == '\\' || r == ':':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	name = b.String()
	name = strings.TrimLeft(name, ".")
	if len(name) > maxFilenameLen {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:maxFilenameLen-len(ext)] + ext
	}
	if name == "" {
		return "attachment.bin"
	}
	return name
}

// executableMagics are the PE, ELF, Mach-O, and shebang prefixes rejected
// by the attachment screen.
var executableMagics = [][]byte{
	[]byte("MZ"),
	{0x7f, 'E', 'L', 'F'},
	{0xfe, 0xed, 0xfa, 0xce},
	{0xfe, 0xed, 0xfa, 0xcf},
	{0xcf, 0xfa, 0xed, 0xfe},
	{0xca, 0xfe, 0xba, 0xbe},
	[]byte("#!/"),
	[]byte("#! /"),
}

// ScreenAttachment inspects attachment bytes for content that should never
// ride in through a chat channel. It returns a non-empty detail string when
// the content is flagged.
func ScreenAttachment(data []byte) string {
	for _, magic := range executableMagics {
		if bytes.HasPrefix(data, magic) {
			return "executable content"
		}
	}
	return ""
}
