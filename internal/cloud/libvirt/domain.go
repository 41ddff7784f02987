package libvirt

import (
	"bytes"
	_ "embed"
	"encoding/xml"
	"errors"
	"fmt"
	"text/template"
)

//go:embed domain.xml.tmpl
var defaultDomain string

type domainTemplateData struct {
	Name     string
	MemoryMB int
	VCPUs    int
	Overlay  string
	Seed     string
	Network  string
	MAC      string
}

func escapeXML(value string) (string, error) {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(value)); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderDomainXML(templateSrc string, data domainTemplateData) ([]byte, error) {
	if templateSrc == "" {
		return nil, errors.New("domain template source is empty")
	}
	if data.Name == "" {
		return nil, errors.New("domain name is required")
	}
	if data.MemoryMB <= 0 || data.VCPUs <= 0 {
		return nil, fmt.Errorf("invalid machine shape %d vCPU / %d MiB", data.VCPUs, data.MemoryMB)
	}

	tmpl, err := template.New("domain").Funcs(template.FuncMap{"xml": escapeXML}).Parse(templateSrc)
	if err != nil {
		return nil, fmt.Errorf("parse domain template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute domain template: %w", err)
	}
	return buf.Bytes(), nil
}
