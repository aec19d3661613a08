package useragent

import (
	"strings"

	"github.com/mssola/useragent"

	"github.com/BuildsAndChill/mynextbook/internal/domain"
)

// Parser derives device info from User-Agent headers.
type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

// Parse returns nil when the header is empty or names no recognizable browser.
func (p *Parser) Parse(raw string) *domain.DeviceInfo {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	ua := useragent.New(raw)
	browser, version := ua.Browser()
	if browser == "" {
		return nil
	}
	if version != "" {
		browser = browser + " " + version
	}

	return &domain.DeviceInfo{
		Browser:  browser,
		Platform: ua.Platform(),
		OS:       ua.OS(),
		Mobile:   ua.Mobile(),
	}
}
