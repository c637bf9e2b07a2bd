package util

import (
	"bytes"
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

// legacyEncodings 国产设备常见的非 UTF-8 输出编码，按尝试顺序排列
var legacyEncodings = []encoding.Encoding{
	simplifiedchinese.GB18030,
	simplifiedchinese.GBK,
	traditionalchinese.Big5,
	charmap.Windows1252,
}

// EnsureUTF8Bytes 将设备输出解码为 UTF-8。
// 已是合法 UTF-8 时原样返回；否则依次尝试常见编码，全部失败时把非法字节替换为 U+FFFD。
func EnsureUTF8Bytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if utf8.Valid(b) {
		return string(b)
	}
	for _, enc := range legacyEncodings {
		if s, ok := decode(enc, b); ok {
			return s
		}
	}
	return string(bytes.ToValidUTF8(b, []byte("�")))
}

// decode 解码器遇到非法字节不会报错而是输出 U+FFFD，
// 出现替换字符即说明输入不是该编码
func decode(enc encoding.Encoding, b []byte) (string, bool) {
	decoded, err := io.ReadAll(transform.NewReader(bytes.NewReader(b), enc.NewDecoder()))
	if err != nil || !utf8.Valid(decoded) || bytes.ContainsRune(decoded, utf8.RuneError) {
		return "", false
	}
	return string(decoded), true
}
