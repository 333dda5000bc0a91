package upnp

import (
	"strconv"
)

// scpdAction describes one action's declared argument order, parsed from a
// service's SCPD document. Single-argument actions can be invoked with just
// a value; the lone argument name is inferred. Multi-argument actions
// require the caller to name each one explicitly.
type scpdAction struct {
	Name string
	// Args is the declared argument order for "in" direction arguments.
	Args []string
}

// scpdStateVariable carries the allowed-value range for variables like
// Volume, where RenderingControl's SCPD declares minimum/maximum/step.
type scpdStateVariable struct {
	Name    string
	Minimum int
	Maximum int
	Step    int
}

// scpd is a parsed SCPD document: the action argument tables and the state
// variable range table, keyed by name.
type scpd struct {
	Actions   map[string]scpdAction
	StateVars map[string]scpdStateVariable
}

// parseSCPD parses a namespace-stripped SCPD document body.
func parseSCPD(raw string) (*scpd, error) {
	doc, err := parseStrippingNamespace(raw)
	if err != nil {
		return nil, err
	}
	root := doc.Root()
	result := &scpd{
		Actions:   make(map[string]scpdAction),
		StateVars: make(map[string]scpdStateVariable),
	}

	actionList := root.FindElement("actionList")
	if actionList != nil {
		for _, actionElem := range actionList.SelectElements("action") {
			nameElem := actionElem.FindElement("name")
			if nameElem == nil {
				continue
			}
			name := nameElem.Text()
			var args []string
			if argList := actionElem.FindElement("argumentList"); argList != nil {
				for _, argElem := range argList.SelectElements("argument") {
					dir := ""
					if d := argElem.FindElement("direction"); d != nil {
						dir = d.Text()
					}
					if dir != "in" {
						continue
					}
					if argName := argElem.FindElement("name"); argName != nil {
						args = append(args, argName.Text())
					}
				}
			}
			result.Actions[name] = scpdAction{Name: name, Args: args}
		}
	}

	varTable := root.FindElement("serviceStateTable")
	if varTable != nil {
		for _, varElem := range varTable.SelectElements("stateVariable") {
			nameElem := varElem.FindElement("name")
			if nameElem == nil {
				continue
			}
			sv := scpdStateVariable{Name: nameElem.Text(), Maximum: 100}
			if vr := varElem.FindElement("allowedValueRange"); vr != nil {
				if e := vr.FindElement("minimum"); e != nil {
					if v, err := strconv.Atoi(e.Text()); err == nil {
						sv.Minimum = v
					}
				}
				if e := vr.FindElement("maximum"); e != nil {
					if v, err := strconv.Atoi(e.Text()); err == nil {
						sv.Maximum = v
					}
				}
				if e := vr.FindElement("step"); e != nil {
					if v, err := strconv.Atoi(e.Text()); err == nil {
						sv.Step = v
					}
				}
			}
			if sv.Step == 0 {
				sv.Step = 1
			}
			result.StateVars[sv.Name] = sv
		}
	}

	return result, nil
}
