package mjpeg

import "html/template"

var pages = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Stream</title>
<style>body{margin:0;background:#000}img{display:block;margin:auto;max-width:100vw;max-height:100vh}</style>
</head><body><img src="{{.StreamURL}}" alt="stream"></body></html>`))

func init() {
	template.Must(pages.New("pin").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>PIN</title></head><body>
<form action="/" method="get">
{{if .Wrong}}<p>Wrong PIN</p>{{end}}
<input name="pin" inputmode="numeric" pattern="[0-9]{4,8}" maxlength="8" autofocus>
<button type="submit">Open</button>
</form></body></html>`))

	template.Must(pages.New("blocked").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Blocked</title></head><body>
<p>This address is temporarily blocked.</p></body></html>`))
}
