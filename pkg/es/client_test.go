package es

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mappingBody(index string, dims int) []byte {
	return []byte(fmt.Sprintf(`{
		"%s": {
			"mappings": {
				"properties": {
					"bizid": {"type": "keyword"},
					"semantic_vector": {"type": "dense_vector", "dims": %d, "index": true, "similarity": "cosine"}
				}
			}
		}
	}`, index, dims))
}

func TestVectorDimsFromMapping(t *testing.T) {
	dims, err := vectorDimsFromMapping(mappingBody("dev_tableinfo", 768), "dev_tableinfo", "semantic_vector")
	require.NoError(t, err)
	assert.Equal(t, 768, dims)
}

func TestVectorDimsFromMappingMissingField(t *testing.T) {
	_, err := vectorDimsFromMapping(mappingBody("dev_tableinfo", 768), "dev_tableinfo", "name_vector")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name_vector")
}

func TestVectorDimsFromMappingWrongType(t *testing.T) {
	// 字段存在但不是 dense_vector 时同样报错
	_, err := vectorDimsFromMapping(mappingBody("dev_tableinfo", 768), "dev_tableinfo", "bizid")
	require.Error(t, err)
}

func TestVectorDimsFromMappingMissingIndex(t *testing.T) {
	_, err := vectorDimsFromMapping(mappingBody("dev_tableinfo", 768), "prod_tableinfo", "semantic_vector")
	require.Error(t, err)
}
