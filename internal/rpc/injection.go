package rpc

import (
	"google.golang.org/protobuf/types/known/structpb"

	"kvrepair/internal/injection"
)

// InjectionToStruct encodes an injection point state.
func InjectionToStruct(st injection.State) (*structpb.Struct, error) {
	params := make(map[string]any, len(st.Parameters))
	for k, v := range st.Parameters {
		params[k] = v
	}
	return structpb.NewStruct(map[string]any{
		"name":       st.Name,
		"enabled":    st.Enabled,
		"one_shot":   st.OneShot,
		"parameters": params,
	})
}

// InjectionFromStruct decodes InjectionToStruct output.
func InjectionFromStruct(s *structpb.Struct) injection.State {
	f := s.GetFields()
	st := injection.State{
		Name:       f["name"].GetStringValue(),
		Enabled:    f["enabled"].GetBoolValue(),
		OneShot:    f["one_shot"].GetBoolValue(),
		Parameters: make(map[string]string),
	}
	for k, v := range f["parameters"].GetStructValue().GetFields() {
		st.Parameters[k] = v.GetStringValue()
	}
	return st
}
