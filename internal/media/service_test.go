package media

import "testing"

func TestObjectKey(t *testing.T) {
	key := ObjectKey("sub_1", "med_2", "diagram.png")
	if key != "sub_1/med_2/diagram.png" {
		t.Errorf("ObjectKey = %q", key)
	}
}
