package visitors

import "hash/fnv"

var aliasAdjectives = []string{
	"Amber", "Bold", "Brisk", "Calm", "Clever", "Cosmic", "Curious", "Dapper", "Eager", "Fancy",
	"Gentle", "Golden", "Happy", "Humble", "Jolly", "Keen", "Lively", "Lucky", "Mellow", "Misty",
	"Nimble", "Noble", "Patient", "Plucky", "Quiet", "Rapid", "Rustic", "Silent", "Sleepy", "Sly",
	"Snowy", "Sunny", "Swift", "Tidy", "Velvet", "Vivid", "Wandering", "Witty", "Zesty", "Zippy",
}

var aliasNouns = []string{
	"Badger", "Beaver", "Bison", "Crane", "Cricket", "Dolphin", "Falcon", "Ferret", "Finch", "Gecko",
	"Heron", "Ibis", "Jaguar", "Koala", "Lemur", "Lynx", "Magpie", "Marten", "Moose", "Narwhal",
	"Ocelot", "Otter", "Owl", "Panda", "Pelican", "Puffin", "Quokka", "Raven", "Salmon", "Sparrow",
	"Stoat", "Swan", "Tapir", "Toucan", "Turtle", "Vole", "Walrus", "Weasel", "Wombat", "Yak",
}

// Alias returns a readable, stable display name for a fingerprint.
func Alias(fingerprint string) string {
	h := fnv.New32a()
	h.Write([]byte(fingerprint))
	index := int(h.Sum32())

	adj := aliasAdjectives[index%len(aliasAdjectives)]
	noun := aliasNouns[(index/len(aliasAdjectives))%len(aliasNouns)]
	return adj + " " + noun
}
