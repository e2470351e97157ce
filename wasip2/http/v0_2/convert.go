package v0_2

import (
	"net/http"
	"strings"
)

// method variant 的标签顺序
var methods = [...]string{
	http.MethodGet,
	http.MethodHead,
	http.MethodPost,
	http.MethodPut,
	http.MethodDelete,
	http.MethodConnect,
	http.MethodOptions,
	http.MethodTrace,
	http.MethodPatch,
}

const methodOther = uint8(len(methods))

// toWasiMethod 将 Go 的 HTTP 方法字符串转换为 method variant 的标签，
// 非标准方法返回 other 及其原始字符串。
func toWasiMethod(method string) (uint8, string) {
	for tag, m := range methods {
		if strings.EqualFold(m, method) {
			return uint8(tag), ""
		}
	}
	return methodOther, method
}

// fromWasiMethod 是 toWasiMethod 的逆操作。other 之外的未知标签返回 false。
func fromWasiMethod(tag uint8, other string) (string, bool) {
	switch {
	case int(tag) < len(methods):
		return methods[tag], true
	case tag == methodOther:
		return other, true
	default:
		return "", false
	}
}

// scheme variant: HTTP, HTTPS, other(string)
const (
	schemeHTTP uint8 = iota
	schemeHTTPS
	schemeOther
)

func toWasiScheme(scheme string) (uint8, string) {
	switch strings.ToLower(scheme) {
	case "http":
		return schemeHTTP, ""
	case "https":
		return schemeHTTPS, ""
	default:
		return schemeOther, scheme
	}
}

func fromWasiScheme(tag uint8, other string) (string, bool) {
	switch tag {
	case schemeHTTP:
		return "http", true
	case schemeHTTPS:
		return "https", true
	case schemeOther:
		return other, true
	default:
		return "", false
	}
}
