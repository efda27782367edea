package twopc

import "encoding/json"

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err) // only ever marshals logEntry, whose fields are all JSON-safe
	}
	return data
}

func jsonUnmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
