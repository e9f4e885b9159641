package xdlock

// WrapRedisErrorForTest 导出 wrapRedisError 供外部测试包使用。
var WrapRedisErrorForTest = wrapRedisError

// WrapEtcdErrorForTest 导出 wrapEtcdError 供外部测试包使用。
var WrapEtcdErrorForTest = wrapEtcdError
