package goip

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// The device exposes one monolithic form describing all 32 slots. A POST
// missing any field resets it to defaults on the device, so the whole form
// is parsed and sent back with only the targeted slot changed.
const slotCount = 32

// formState holds every input field parsed from the configuration page.
type formState struct {
	radios   map[string]string // name -> value of the checked radio
	values   map[string]string // text/hidden name -> value
	checks   map[string]bool   // checkbox name -> checked
	sawSlots bool
}

func parseForm(page string) (*formState, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse device page: %w", err)
	}
	fs := &formState{
		radios: make(map[string]string),
		values: make(map[string]string),
		checks: make(map[string]bool),
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "input" {
			fs.addInput(n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return fs, nil
}

func (fs *formState) addInput(n *html.Node) {
	var name, typ, value string
	var checked bool
	for _, a := range n.Attr {
		switch strings.ToLower(a.Key) {
		case "name":
			name = a.Val
		case "type":
			typ = strings.ToLower(a.Val)
		case "value":
			value = a.Val
		case "checked":
			checked = true
		}
	}
	if name == "" {
		return
	}
	if strings.HasPrefix(name, "line") {
		fs.sawSlots = true
	}
	switch typ {
	case "radio":
		if checked {
			fs.radios[name] = value
		} else if _, ok := fs.radios[name]; !ok {
			fs.radios[name] = ""
		}
	case "checkbox":
		fs.checks[name] = checked
	default:
		fs.values[name] = value
	}
}

func (fs *formState) value(name, fallback string) string {
	if v, ok := fs.values[name]; ok && v != "" {
		return v
	}
	if v, ok := fs.radios[name]; ok && v != "" {
		return v
	}
	return fallback
}

func (fs *formState) onOff(name string) string {
	if fs.radios[name] == "on" || fs.checks[name] {
		return "on"
	}
	return "off"
}

// forwardingEnabled reports the parsed state of one slot's fw_to_voip flag.
func (fs *formState) forwardingEnabled(slot int) bool {
	return fs.onOff(fmt.Sprintf("line%d_fw_to_voip", slot)) == "on"
}

// buildFormData assembles the complete field set for all 32 slots from the
// parsed form, then overwrites only the targeted slot's enable flag and
// forwarding alias.
func buildFormData(fs *formState, slot int, enabled bool) map[string]string {
	data := map[string]string{
		"user_noinput_t":   "60",
		"cid_fw_mode":      "1",
		"submit":           "Save",
		"line_fw_conf_tab": fmt.Sprintf("line%d_fw_conf", slot),
	}

	for i := 1; i <= slotCount; i++ {
		prefix := fmt.Sprintf("line%d_", i)
		data[prefix+"fw_to_voip"] = fs.onOff(prefix + "fw_to_voip")
		data[prefix+"fw_num_to_voip"] = fs.value(prefix+"fw_num_to_voip", "")
		data[prefix+"gsm_cw"] = fs.value(prefix+"gsm_cw", "0")
		data[prefix+"gsm_group_mode"] = fs.value(prefix+"gsm_group_mode", "DISABLE")
		data[prefix+"gsm_fw_mode"] = fs.value(prefix+"gsm_fw_mode", "0")
		data[prefix+"auto_blacklist_in_enable"] = fs.onOff(prefix + "auto_blacklist_in_enable")
	}

	prefix := fmt.Sprintf("line%d_", slot)
	if enabled {
		data[prefix+"fw_to_voip"] = "on"
		data[prefix+"fw_num_to_voip"] = fmt.Sprintf("sim%d", slot)
	} else {
		data[prefix+"fw_to_voip"] = "off"
		data[prefix+"fw_num_to_voip"] = ""
	}
	return data
}
