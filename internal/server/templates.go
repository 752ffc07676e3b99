package server

import (
	_ "embed"
	"html/template"
)

//go:embed templates/callback.html
var callbackPageTemplateHTML string

var callbackPageTemplate = template.Must(template.New("callback").Parse(callbackPageTemplateHTML))

// CallbackPageData is rendered after a redirect callback
type CallbackPageData struct {
	Title      string
	Message    string
	Success    bool
	ReturnPath string
}
