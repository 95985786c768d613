package redis

const (
	// setFieldsScript writes every field/value pair of a partition and bumps
	// its revision counter in one atomic step.
	setFieldsScript = `
local partition_key = KEYS[1]   -- pagelimit:{namespace}:partition:{name}

-- ARGV holds alternating field/value pairs
for i = 1, #ARGV, 2 do
  redis.call('HSET', partition_key, ARGV[i], ARGV[i + 1])
end

return redis.call('HINCRBY', partition_key, '__revision', 1)
`
)
