package browser

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-rod/rod"
)

// InteractiveElement is one actionable element discovered on a page: a
// button, input, link, or select, tagged with a stable ref a caller can hand
// to an interact action (either the interact MCP tool or an agent Action).
type InteractiveElement struct {
	Ref          string                     `json:"ref"`
	Type         string                     `json:"type"`
	Label        string                     `json:"label"`
	Action       string                     `json:"action"`
	Value        string                     `json:"value"`
	Enabled      bool                       `json:"enabled"`
	Checked      bool                       `json:"checked"`
	AltSelectors []string                   `json:"alt_selectors"`
	Fingerprint  interactiveFingerprintJSON `json:"fingerprint"`
}

type interactiveFingerprintJSON struct {
	TagName     string             `json:"tag_name"`
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Classes     []string           `json:"classes"`
	TextContent string             `json:"text_content"`
	AriaLabel   string             `json:"aria_label"`
	DataTestID  string             `json:"data_testid"`
	Role        string             `json:"role"`
	BoundingBox map[string]float64 `json:"bounding_box"`
}

// ToFingerprint converts the JS-reported fingerprint fields into the
// ElementRegistry's ElementFingerprint shape.
func (e InteractiveElement) ToFingerprint(generatedAt time.Time) *ElementFingerprint {
	return &ElementFingerprint{
		Ref:          e.Ref,
		TagName:      e.Fingerprint.TagName,
		ID:           e.Fingerprint.ID,
		Name:         e.Fingerprint.Name,
		Classes:      e.Fingerprint.Classes,
		TextContent:  e.Fingerprint.TextContent,
		AriaLabel:    e.Fingerprint.AriaLabel,
		DataTestID:   e.Fingerprint.DataTestID,
		Role:         e.Fingerprint.Role,
		BoundingBox:  e.Fingerprint.BoundingBox,
		AltSelectors: e.AltSelectors,
		GeneratedAt:  generatedAt,
	}
}

// DiscoverInteractiveElements enumerates clickable/typeable elements on page:
// buttons, inputs, links, and selects. This is the single enumeration/ref
// scheme shared by the get-interactive-elements tool (which layers Mangle
// facts and registry bookkeeping on top of the result) and the agent loop's
// per-step observation, so a ref the agent sees is always one interact()
// can resolve.
func DiscoverInteractiveElements(page *rod.Page, filter string, visibleOnly bool, limit int) ([]InteractiveElement, error) {
	if filter == "" {
		filter = "all"
	}
	if limit <= 0 {
		limit = 50
	}

	js := fmt.Sprintf(`
	() => {
		const filter = %q;
		const visibleOnly = %v;
		const limit = %d;

		const selectors = {
			buttons: 'button, input[type="submit"], input[type="button"], [role="button"]',
			inputs: 'input:not([type="hidden"]):not([type="submit"]):not([type="button"]), textarea, [contenteditable="true"]',
			links: 'a[href]',
			selects: 'select, [role="combobox"], [role="listbox"]'
		};

		let selector;
		if (filter === 'all') {
			selector = Object.values(selectors).join(', ');
		} else {
			selector = selectors[filter] || Object.values(selectors).join(', ');
		}

		const elements = [];
		const seen = new Set();

		document.querySelectorAll(selector).forEach((el, idx) => {
			if (elements.length >= limit) return;

			if (visibleOnly) {
				const rect = el.getBoundingClientRect();
				const style = getComputedStyle(el);
				if (rect.width === 0 || rect.height === 0 ||
				    style.display === 'none' || style.visibility === 'hidden' ||
				    style.opacity === '0') {
					return;
				}
			}

			const dataTestId = el.getAttribute('data-testid') || el.getAttribute('data-test-id') || '';
			const ariaLabel = el.getAttribute('aria-label') || '';
			const elId = el.id || '';
			const elName = el.name || '';
			const role = el.getAttribute('role') || '';
			const tag = el.tagName.toLowerCase();
			const classes = Array.from(el.classList);
			const textContent = (el.innerText?.trim()?.substring(0, 100) || '');
			const rect = el.getBoundingClientRect();
			const boundingBox = {
				x: Math.round(rect.x),
				y: Math.round(rect.y),
				width: Math.round(rect.width),
				height: Math.round(rect.height)
			};

			let ref;
			if (dataTestId) {
				ref = 'testid:' + dataTestId;
			} else if (ariaLabel && ariaLabel.length < 50) {
				ref = 'aria:' + ariaLabel.replace(/[^a-zA-Z0-9_-]/g, '_').substring(0, 40);
			} else if (elId) {
				ref = elId;
			} else if (elName) {
				ref = elName;
			} else {
				const classStr = classes.slice(0, 2).join('.');
				ref = classStr ? tag + '.' + classStr : tag + '[' + idx + ']';
			}
			if (seen.has(ref)) {
				ref = ref + '_' + idx;
			}
			seen.add(ref);

			let type, action;
			if (tag === 'button' || el.type === 'submit' || el.type === 'button' || el.getAttribute('role') === 'button') {
				type = 'button';
				action = 'click';
			} else if (tag === 'a') {
				type = 'link';
				action = 'click';
			} else if (tag === 'select' || el.getAttribute('role') === 'combobox' || el.getAttribute('role') === 'listbox') {
				type = 'select';
				action = 'select';
			} else if (tag === 'input') {
				const inputType = el.type || 'text';
				if (inputType === 'checkbox' || inputType === 'radio') {
					type = inputType;
					action = 'toggle';
				} else {
					type = 'input';
					action = 'type';
				}
			} else if (tag === 'textarea' || el.contentEditable === 'true') {
				type = 'input';
				action = 'type';
			} else {
				type = 'clickable';
				action = 'click';
			}

			let label = el.getAttribute('aria-label') ||
			           el.innerText?.trim()?.substring(0, 50) ||
			           el.placeholder ||
			           el.title ||
			           el.alt ||
			           '';
			label = label.replace(/\s+/g, ' ').trim();
			if (label.length > 50) label = label.substring(0, 47) + '...';

			const altSelectors = [];
			if (dataTestId) altSelectors.push('[data-testid="' + dataTestId + '"]');
			if (ariaLabel && ariaLabel.length < 100) altSelectors.push('[aria-label="' + ariaLabel.replace(/"/g, '\\"') + '"]');
			if (elId) altSelectors.push('#' + elId);
			if (elName) altSelectors.push('[name="' + elName + '"]');
			if (role) altSelectors.push('[role="' + role + '"]');
			if (classes.length > 0) altSelectors.push(tag + '.' + classes.slice(0, 3).join('.'));

			elements.push({
				ref: ref,
				type: type,
				label: label,
				action: action,
				value: el.value || '',
				enabled: !el.disabled,
				checked: el.checked || false,
				alt_selectors: altSelectors.slice(0, 4),
				fingerprint: {
					tag_name: tag,
					id: elId,
					name: elName,
					classes: classes.slice(0, 5),
					text_content: textContent,
					aria_label: ariaLabel,
					data_testid: dataTestId,
					role: role,
					bounding_box: boundingBox
				}
			});
		});

		return elements;
	}
	`, filter, visibleOnly, limit)

	result, err := page.Eval(js)
	if err != nil {
		return nil, fmt.Errorf("discover interactive elements: %w", err)
	}

	raw, err := result.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal interactive elements: %w", err)
	}

	var elements []InteractiveElement
	if err := json.Unmarshal(raw, &elements); err != nil {
		return nil, fmt.Errorf("decode interactive elements: %w", err)
	}
	return elements, nil
}
