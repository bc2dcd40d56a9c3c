// Package catalog maps CRM document types to the web views that render
// them.
package catalog

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"pdfqueue/internal/render"
)

// Option is a boolean view flag passed to the page as a query parameter.
type Option struct {
	Name    string
	Default bool
}

// Variant is one family of documents sharing a render profile.
type Variant struct {
	Name        string
	DefaultType string
	Profile     string
	// Pages maps document type to the view path on the CRM domain.
	Pages   map[string]string
	Options []Option
}

var (
	Standard = Variant{
		Name:        "standard",
		DefaultType: "itineraryCrm",
		Profile:     render.ProfileStandard,
		Pages: map[string]string{
			"itineraryCrm":    "/crm-itinerary-pdf",
			"itineraryCustom": "/crm-customTheme-pdf",
			"itineraryMain":   "/pdf-preview",
			"invoice":         "/invoice",
			"voucherMain":     "/view-voucher",
			"voucherCrm":      "/hotel-voucher",
		},
		Options: []Option{{Name: "waterMark"}, {Name: "mapViewButton"}},
	}

	Print = Variant{
		Name:        "print",
		DefaultType: "itineraryCrm",
		Profile:     render.ProfilePrint,
		Pages: map[string]string{
			"itineraryCrm": "/print-pdf-crm",
		},
		Options: []Option{{Name: "waterMark"}, {Name: "mapViewButton"}},
	}

	Magazine = Variant{
		Name:        "magazine",
		DefaultType: "magazinePro",
		Profile:     render.ProfileMagazine,
		Pages: map[string]string{
			"magazinePro": "/crm-magazinePro",
		},
		Options: []Option{
			{Name: "proTip", Default: true},
			{Name: "energyMeter", Default: true},
			{Name: "mapViewButton"},
		},
	}
)

// UnknownTypeError reports a document type the variant cannot render.
type UnknownTypeError struct {
	Type    string
	Allowed []string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("invalid PDF type %q, allowed: %s", e.Type, strings.Join(e.Allowed, ", "))
}

// Types lists the document types of v in sorted order.
func (v Variant) Types() []string {
	types := make([]string, 0, len(v.Pages))
	for t := range v.Pages {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Catalog resolves render URLs against the CRM domain.
type Catalog struct {
	domain string
}

func New(domain string) *Catalog {
	return &Catalog{domain: strings.TrimSuffix(domain, "/")}
}

// Request describes a document to render.
type Request struct {
	ID   string
	Type string
	// Flags holds raw option values keyed by option name; missing or
	// unparsable values fall back to the option default.
	Flags map[string]string
}

// Resolve builds the render URL for req and the resolved option values.
// The URL is {domain}{path}?id={id}&{option}={bool} with options in
// declaration order.
func (c *Catalog) Resolve(v Variant, req Request) (string, map[string]bool, error) {
	docType := req.Type
	if docType == "" {
		docType = v.DefaultType
	}
	path, ok := v.Pages[docType]
	if !ok {
		return "", nil, &UnknownTypeError{Type: docType, Allowed: v.Types()}
	}

	options := make(map[string]bool, len(v.Options))
	var b strings.Builder
	b.WriteString(c.domain)
	b.WriteString(path)
	b.WriteString("?id=")
	b.WriteString(url.QueryEscape(req.ID))
	for _, opt := range v.Options {
		val := opt.Default
		if raw, ok := req.Flags[opt.Name]; ok {
			if parsed, err := strconv.ParseBool(raw); err == nil {
				val = parsed
			}
		}
		options[opt.Name] = val
		fmt.Fprintf(&b, "&%s=%t", opt.Name, val)
	}
	return b.String(), options, nil
}

// FileName is the file stem for a catalog document.
func FileName(docType, id string) string {
	return docType + "-" + id
}

// AppendOptions adds each option to rawURL as a query parameter unless the
// URL already sets it. Options are added in name order.
func AppendOptions(rawURL string, options map[string]bool) (string, error) {
	if len(options) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	names := make([]string, 0, len(options))
	for name := range options {
		names = append(names, name)
	}
	sort.Strings(names)

	q := u.Query()
	for _, name := range names {
		if q.Has(name) {
			continue
		}
		q.Set(name, strconv.FormatBool(options[name]))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
