// Package stealth builds the ordered anti-detection script bundle applied to
// every page the browser lifecycle manager creates.
package stealth

import (
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	gostealth "github.com/go-rod/stealth"
)

// Script is one entry in the ordered bundle. Index records its position so
// callers can log or audit exactly which patches ran and in what order —
// ordering is load-bearing (script 7 keeps whatever window.chrome members
// script 1 already defined and only fills in missing ones).
type Script struct {
	Index int
	Name  string
	Body  string
}

// Bundle is the fixed, ordered stealth script list, built once at package
// init time. Scripts are compiled into the binary; there is no runtime
// reload path.
var Bundle []Script

func init() {
	Bundle = []Script{
		{1, "stealth-baseline", gostealth.JS},
		{2, "navigator-automation", navigatorAutomationJS},
		{3, "plugins-mimetypes", pluginsMimetypesJS},
		{4, "languages-hardware", languagesHardwareJS},
		{5, "permissions-query", permissionsQueryJS},
		{6, "headless-strings", headlessStringsJS},
		{7, "chrome-runtime-stub", chromeRuntimeStubJS},
		{8, "webgl-vendor", webglVendorJS},
	}
}

// Apply injects every script in Bundle as a document-start script on page,
// then sets the CDP-level timezone override paired with platform (script 9
// of the bundle ordering — a CDP call rather than injected JS, since
// Emulation.setTimezoneOverride is not reachable from page-context JS).
func Apply(page *rod.Page, timezone, platform string) error {
	for _, s := range Bundle {
		if _, err := page.EvalOnNewDocument(s.Body); err != nil {
			return fmt.Errorf("stealth script %q: %w", s.Name, err)
		}
	}

	if timezone != "" {
		if err := (proto.EmulationSetTimezoneOverride{TimezoneID: timezone}).Call(page); err != nil {
			return fmt.Errorf("timezone override: %w", err)
		}
	}

	if platform != "" {
		platformJS := fmt.Sprintf(`Object.defineProperty(Object.getPrototypeOf(navigator), 'platform', {get: () => %q});`, platform)
		if _, err := page.EvalOnNewDocument(platformJS); err != nil {
			return fmt.Errorf("platform override: %w", err)
		}
	}

	return nil
}

// LaunchFlags is the set of Chrome flags that reduce automation
// fingerprinting at the process level (as opposed to the page-context JS
// patches in Bundle). DisableSecurity additionally widens this to the
// security-weakening subset gated by BrowserConfig.DisableSecurity.
var LaunchFlags = []string{
	"disable-blink-features=AutomationControlled",
	"disable-infobars",
	"disable-dev-shm-usage",
	"disable-ipc-flooding-protection",
	"disable-renderer-backgrounding",
	"disable-backgrounding-occluded-windows",
	"disable-background-timer-throttling",
}

// SandboxFlags disables only the OS-level process sandbox. This is the
// subset safe to add automatically when the launcher detects it's running
// inside a container (no setuid sandbox helper available, no user namespace
// support) — it does not touch same-origin policy or certificate checks.
var SandboxFlags = []string{
	"no-sandbox",
}

// SecurityWeakeningFlags gates the subset of flags that disable page-level
// security features (same-origin policy, site isolation, certificate
// validation). Unlike SandboxFlags, these change what a page can observe
// and do, so they are only applied when BrowserConfig.DisableSecurity is
// explicitly set — never inferred from the environment.
var SecurityWeakeningFlags = []string{
	"disable-web-security",
	"disable-features=IsolateOrigins,site-per-process",
	"ignore-certificate-errors",
	"allow-running-insecure-content",
}

const navigatorAutomationJS = `(() => {
  Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
})();`

const pluginsMimetypesJS = `(() => {
  const mimeTypes = [
    { type: 'application/pdf', suffixes: 'pdf', description: '' },
    { type: 'application/x-google-chrome-pdf', suffixes: 'pdf', description: 'Portable Document Format' },
  ];
  const plugins = [
    { name: 'Chrome PDF Plugin', filename: 'internal-pdf-viewer', description: 'Portable Document Format' },
    { name: 'Chrome PDF Viewer', filename: 'mhjfbmdgcfjbbpaeojofohoefgiehjai', description: '' },
    { name: 'Native Client', filename: 'internal-nacl-plugin', description: '' },
  ];
  Object.defineProperty(navigator, 'mimeTypes', { get: () => mimeTypes });
  Object.defineProperty(navigator, 'plugins', { get: () => plugins });
})();`

const languagesHardwareJS = `(() => {
  Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
  Object.defineProperty(navigator, 'hardwareConcurrency', { get: () => 8 });
  Object.defineProperty(navigator, 'deviceMemory', { get: () => 8 });
})();`

const permissionsQueryJS = `(() => {
  const originalQuery = window.navigator.permissions.query;
  window.navigator.permissions.query = (parameters) => (
    parameters.name === 'notifications'
      ? Promise.resolve({ state: Notification.permission })
      : originalQuery(parameters)
  );
})();`

const headlessStringsJS = `(() => {
  if (navigator.userAgent.includes('HeadlessChrome')) {
    Object.defineProperty(navigator, 'userAgent', {
      get: () => navigator.userAgent.replace('HeadlessChrome', 'Chrome'),
    });
  }
  if (window.outerWidth === 0 && window.outerHeight === 0) {
    Object.defineProperty(window, 'outerWidth', { get: () => window.innerWidth });
    Object.defineProperty(window, 'outerHeight', { get: () => window.innerHeight });
  }
})();`

const chromeRuntimeStubJS = `(() => {
  if (!window.chrome) { window.chrome = {}; }
  window.chrome.runtime = window.chrome.runtime || {};
  window.chrome.app = window.chrome.app || { isInstalled: false };
  window.chrome.csi = window.chrome.csi || function () { return {}; };
  window.chrome.loadTimes = window.chrome.loadTimes || function () { return {}; };
})();`

// UNMASKED_VENDOR_WEBGL = 37445, UNMASKED_RENDERER_WEBGL = 37446.
const webglVendorJS = `(() => {
  const VENDOR = 37445;
  const RENDERER = 37446;
  const patch = (proto) => {
    const original = proto.getParameter;
    proto.getParameter = function (parameter) {
      if (parameter === VENDOR) { return 'Google Inc. (Intel)'; }
      if (parameter === RENDERER) { return 'ANGLE (Intel, Intel(R) UHD Graphics, OpenGL 4.1)'; }
      return original.call(this, parameter);
    };
  };
  if (window.WebGLRenderingContext) { patch(window.WebGLRenderingContext.prototype); }
  if (window.WebGL2RenderingContext) { patch(window.WebGL2RenderingContext.prototype); }
})();`
